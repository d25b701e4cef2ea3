// Package kubernetes backs discovery with the Kubernetes API.
// Instances come from Endpoints objects, so the gateway sees the same
// pods a cluster Service would route to. Registration is a no-op
// because kubelet owns the pod lifecycle.
package kubernetes

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/wudi/apron/internal/config"
	"github.com/wudi/apron/internal/discovery"
	"github.com/wudi/apron/internal/logging"
)

// Registry resolves instances from Endpoints in one namespace.
type Registry struct {
	client    kubernetes.Interface
	namespace string

	mu       sync.Mutex
	watchers map[string]context.CancelFunc
}

// New builds a clientset from the in-cluster service account, or from
// the configured kubeconfig path when running outside the cluster.
func New(cfg config.KubernetesConfig) (*Registry, error) {
	var (
		rcfg *rest.Config
		err  error
	)
	if cfg.Kubeconfig != "" {
		rcfg, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
	} else {
		rcfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("kubernetes config: %w", err)
	}

	client, err := kubernetes.NewForConfig(rcfg)
	if err != nil {
		return nil, fmt.Errorf("kubernetes client: %w", err)
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "default"
	}
	return &Registry{
		client:    client,
		namespace: namespace,
		watchers:  make(map[string]context.CancelFunc),
	}, nil
}

// Register is a no-op: pods join Endpoints through their readiness
// probes, not through the gateway.
func (r *Registry) Register(_ context.Context, _ *discovery.Instance) error {
	return nil
}

// Deregister is a no-op for the same reason as Register.
func (r *Registry) Deregister(_ context.Context, _ string) error {
	return nil
}

// Discover reads the service's Endpoints. Ready addresses are up,
// not-ready addresses are out of service so callers can still see them.
func (r *Registry) Discover(ctx context.Context, service string) ([]*discovery.Instance, error) {
	endpoints, err := r.client.CoreV1().Endpoints(r.namespace).Get(ctx, service, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("kubernetes endpoints %s/%s: %w", r.namespace, service, err)
	}
	return convertEndpoints(service, endpoints), nil
}

// Watch follows the Endpoints object and pushes converted lists on
// every add or update.
func (r *Registry) Watch(ctx context.Context, service string) (<-chan []*discovery.Instance, error) {
	watcher, err := r.client.CoreV1().Endpoints(r.namespace).Watch(ctx, metav1.ListOptions{
		FieldSelector: "metadata.name=" + service,
	})
	if err != nil {
		return nil, fmt.Errorf("kubernetes watch %s/%s: %w", r.namespace, service, err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	if prev, ok := r.watchers[service]; ok {
		prev()
	}
	r.watchers[service] = cancel
	r.mu.Unlock()

	ch := make(chan []*discovery.Instance, 8)
	go func() {
		defer close(ch)
		defer watcher.Stop()

		if instances, err := r.Discover(watchCtx, service); err == nil {
			select {
			case ch <- instances:
			case <-watchCtx.Done():
				return
			}
		}

		for {
			select {
			case <-watchCtx.Done():
				return
			case event, ok := <-watcher.ResultChan():
				if !ok {
					logging.Warn("kubernetes watch closed",
						zap.String("service", service))
					return
				}
				endpoints, ok := event.Object.(*corev1.Endpoints)
				if !ok {
					continue
				}
				var instances []*discovery.Instance
				if event.Type != watch.Deleted {
					instances = convertEndpoints(service, endpoints)
				}
				select {
				case ch <- instances:
				case <-watchCtx.Done():
					return
				default:
				}
			}
		}
	}()
	return ch, nil
}

// Close stops all watches.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cancel := range r.watchers {
		cancel()
	}
	r.watchers = make(map[string]context.CancelFunc)
	return nil
}

func convertEndpoints(service string, endpoints *corev1.Endpoints) []*discovery.Instance {
	var out []*discovery.Instance
	for _, subset := range endpoints.Subsets {
		port := 0
		if len(subset.Ports) > 0 {
			port = int(subset.Ports[0].Port)
		}
		for _, addr := range subset.Addresses {
			out = append(out, convertAddress(service, addr, port, discovery.StatusUp))
		}
		for _, addr := range subset.NotReadyAddresses {
			out = append(out, convertAddress(service, addr, port, discovery.StatusOutOfService))
		}
	}
	return out
}

func convertAddress(service string, addr corev1.EndpointAddress, port int, status discovery.Status) *discovery.Instance {
	id := addr.IP + ":" + strconv.Itoa(port)
	if addr.TargetRef != nil && addr.TargetRef.Name != "" {
		id = addr.TargetRef.Name
	}
	return &discovery.Instance{
		ID:          id,
		ServiceName: service,
		Host:        addr.IP,
		Port:        port,
		Status:      status,
	}
}
