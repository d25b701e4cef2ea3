package mirror

import (
	"crypto/sha256"
	"hash"
	"io"
	"net/http"
)

// PrimaryResponse captures what the primary path returned to the
// caller, reduced to the fields the shadow is compared against.
type PrimaryResponse struct {
	StatusCode int
	BodyHash   [32]byte
}

// CompareResult reports how a shadow response compared to the primary.
type CompareResult struct {
	StatusMatch bool `json:"statusMatch"`
	BodyMatch   bool `json:"bodyMatch"`
}

// CompareShadow checks the shadow response's status and body hash
// against the primary. It consumes resp.Body but does not close it.
func CompareShadow(primary *PrimaryResponse, resp *http.Response) CompareResult {
	h := sha256.New()
	io.Copy(h, resp.Body)
	var sum [32]byte
	copy(sum[:], h.Sum(nil))

	return CompareResult{
		StatusMatch: primary.StatusCode == resp.StatusCode,
		BodyMatch:   primary.BodyHash == sum,
	}
}

// Recorder wraps an http.ResponseWriter and records the status code and
// a streaming SHA-256 of the body while passing every write through.
// The gateway installs one when compare mode is on.
type Recorder struct {
	http.ResponseWriter
	status int
	hash   hash.Hash
	wrote  bool
}

// NewRecorder wraps w.
func NewRecorder(w http.ResponseWriter) *Recorder {
	return &Recorder{
		ResponseWriter: w,
		status:         http.StatusOK,
		hash:           sha256.New(),
	}
}

// WriteHeader records the first status code written.
func (rec *Recorder) WriteHeader(code int) {
	if !rec.wrote {
		rec.status = code
		rec.wrote = true
	}
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *Recorder) Write(b []byte) (int, error) {
	rec.wrote = true
	rec.hash.Write(b)
	return rec.ResponseWriter.Write(b)
}

// Flush passes through so compare mode does not break streaming
// responses.
func (rec *Recorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Primary returns the captured response summary.
func (rec *Recorder) Primary() *PrimaryResponse {
	p := &PrimaryResponse{StatusCode: rec.status}
	copy(p.BodyHash[:], rec.hash.Sum(nil))
	return p
}
