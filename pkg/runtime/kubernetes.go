package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"

	"github.com/docker/go-units"
	"github.com/rs/zerolog/log"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/arenactf/instanced/pkg/common"
	"github.com/arenactf/instanced/pkg/types"
)

const (
	kubernetesBackendName = "kubernetes"
	defaultNamespace      = "ctf-instances"
	sandboxContainerName  = "challenge"
)

// KubernetesRuntime runs each sandbox as a Pod exposed through a NodePort Service.
// The handle is the shared Pod/Service name.
type KubernetesRuntime struct {
	kubeClient kubernetes.Interface
	namespace  string
}

func NewKubernetesRuntime(config types.KubernetesConfig) (*KubernetesRuntime, error) {
	var (
		restConfig *rest.Config
		err        error
	)
	if config.Kubeconfig != "" {
		restConfig, err = clientcmd.BuildConfigFromFlags("", config.Kubeconfig)
	} else {
		restConfig, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get kubernetes config: %w", err)
	}

	kubeClient, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}

	return newKubernetesRuntime(kubeClient, config.Namespace), nil
}

func newKubernetesRuntime(kubeClient kubernetes.Interface, namespace string) *KubernetesRuntime {
	if namespace == "" {
		namespace = defaultNamespace
	}
	return &KubernetesRuntime{kubeClient: kubeClient, namespace: namespace}
}

func (r *KubernetesRuntime) Name() string {
	return kubernetesBackendName
}

func (r *KubernetesRuntime) Ping(ctx context.Context) error {
	if _, err := r.kubeClient.CoreV1().Pods(r.namespace).List(ctx, metav1.ListOptions{Limit: 1}); err != nil {
		return r.unavailable(err)
	}
	return nil
}

func (r *KubernetesRuntime) Create(ctx context.Context, spec CreateSpec) (*Sandbox, error) {
	name := common.SandboxName(spec.InstanceID)

	pod, err := buildPod(name, spec)
	if err != nil {
		return nil, provisionErr(spec, "invalid sandbox config", err)
	}

	if _, err := r.kubeClient.CoreV1().Pods(r.namespace).Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		return nil, r.classify(spec, "pod create failed", err)
	}

	svc, err := r.kubeClient.CoreV1().Services(r.namespace).Create(ctx, buildService(name, spec), metav1.CreateOptions{})
	if err != nil {
		r.cleanup(name)
		return nil, r.classify(spec, "service create failed", err)
	}

	if len(svc.Spec.Ports) == 0 || svc.Spec.Ports[0].NodePort == 0 {
		r.cleanup(name)
		return nil, provisionErr(spec, "no node port allocated", nil)
	}

	log.Debug().
		Str("instance_id", spec.InstanceID).
		Str("pod", name).
		Int32("node_port", svc.Spec.Ports[0].NodePort).
		Msg("sandbox pod created")

	return &Sandbox{Handle: name, PublishedPort: int(svc.Spec.Ports[0].NodePort)}, nil
}

func (r *KubernetesRuntime) Inspect(ctx context.Context, handle string) (State, error) {
	pod, err := r.kubeClient.CoreV1().Pods(r.namespace).Get(ctx, handle, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return StateUnknown, nil
		}
		if isUnavailable(err) {
			return StateUnknown, r.unavailable(err)
		}
		return StateUnknown, fmt.Errorf("get pod %s: %w", handle, err)
	}
	return podState(pod), nil
}

// Stop deletes the Service and the Pod; the Pod's deletion also frees everything Remove would
func (r *KubernetesRuntime) Stop(ctx context.Context, handle string) error {
	err := r.kubeClient.CoreV1().Services(r.namespace).Delete(ctx, handle, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		if isUnavailable(err) {
			return r.unavailable(err)
		}
		return fmt.Errorf("delete service %s: %w", handle, err)
	}

	err = r.kubeClient.CoreV1().Pods(r.namespace).Delete(ctx, handle, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		if isUnavailable(err) {
			return r.unavailable(err)
		}
		return fmt.Errorf("delete pod %s: %w", handle, err)
	}
	return nil
}

func (r *KubernetesRuntime) Remove(ctx context.Context, handle string) error {
	return nil
}

func (r *KubernetesRuntime) List(ctx context.Context) ([]SandboxInfo, error) {
	pods, err := r.kubeClient.CoreV1().Pods(r.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: LabelManaged + "=true",
	})
	if err != nil {
		if isUnavailable(err) {
			return nil, r.unavailable(err)
		}
		return nil, fmt.Errorf("list pods: %w", err)
	}

	out := make([]SandboxInfo, 0, len(pods.Items))
	for i := range pods.Items {
		pod := &pods.Items[i]
		out = append(out, infoFromLabels(pod.Name, pod.Labels, podState(pod)))
	}
	return out, nil
}

func (r *KubernetesRuntime) cleanup(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultStopTimeout)
	defer cancel()
	if err := r.Stop(ctx, name); err != nil {
		log.Warn().Err(err).Str("pod", name).Msg("failed to clean up sandbox after create error")
	}
}

func (r *KubernetesRuntime) classify(spec CreateSpec, reason string, err error) error {
	if isUnavailable(err) {
		return r.unavailable(err)
	}
	return provisionErr(spec, reason, err)
}

func (r *KubernetesRuntime) unavailable(err error) error {
	return &types.ErrRuntimeUnavailable{Backend: kubernetesBackendName, Err: err}
}

func buildPod(name string, spec CreateSpec) (*corev1.Pod, error) {
	limits := corev1.ResourceList{}
	if spec.Limits.Memory != "" {
		memory, err := units.RAMInBytes(spec.Limits.Memory)
		if err != nil {
			return nil, fmt.Errorf("invalid memory limit %q: %w", spec.Limits.Memory, err)
		}
		limits[corev1.ResourceMemory] = *resource.NewQuantity(memory, resource.BinarySI)
	}
	if spec.Limits.CPUs > 0 {
		limits[corev1.ResourceCPU] = *resource.NewMilliQuantity(int64(spec.Limits.CPUs*1000), resource.DecimalSI)
	}

	env := make([]corev1.EnvVar, 0, len(spec.Env))
	for _, k := range sortedKeys(spec.Env) {
		env = append(env, corev1.EnvVar{Name: k, Value: spec.Env[k]})
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: labelsFor(spec),
		},
		Spec: corev1.PodSpec{
			RestartPolicy:                corev1.RestartPolicyNever,
			AutomountServiceAccountToken: boolPtr(false),
			Containers: []corev1.Container{
				{
					Name:  sandboxContainerName,
					Image: spec.Image,
					Env:   env,
					Ports: []corev1.ContainerPort{
						{ContainerPort: int32(spec.InternalPort), Protocol: corev1.ProtocolTCP},
					},
					Resources: corev1.ResourceRequirements{
						Limits:   limits,
						Requests: limits,
					},
				},
			},
		},
	}, nil
}

func buildService(name string, spec CreateSpec) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: labelsFor(spec),
		},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeNodePort,
			Selector: map[string]string{LabelInstance: spec.InstanceID},
			Ports: []corev1.ServicePort{
				{
					Protocol:   corev1.ProtocolTCP,
					Port:       int32(spec.InternalPort),
					TargetPort: intstr.FromInt32(int32(spec.InternalPort)),
				},
			},
		},
	}
}

func podState(pod *corev1.Pod) State {
	switch pod.Status.Phase {
	case corev1.PodRunning:
		for _, cs := range pod.Status.ContainerStatuses {
			if cs.State.Terminated != nil {
				return StateExited
			}
		}
		return StateRunning
	case corev1.PodSucceeded, corev1.PodFailed:
		return StateExited
	default:
		return StateUnknown
	}
}

func isUnavailable(err error) bool {
	if apierrors.IsServiceUnavailable(err) || apierrors.IsServerTimeout(err) || apierrors.IsTimeout(err) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func boolPtr(b bool) *bool {
	return &b
}
