package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8sruntime "k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

const testNamespace = "ctf-test"

// newKubernetesRuntimeForTest allocates node ports the way the API server would
func newKubernetesRuntimeForTest() (*KubernetesRuntime, *fake.Clientset) {
	cs := fake.NewSimpleClientset()
	nodePort := int32(31000)
	cs.PrependReactor("create", "services", func(action k8stesting.Action) (bool, k8sruntime.Object, error) {
		svc := action.(k8stesting.CreateAction).GetObject().(*corev1.Service)
		for i := range svc.Spec.Ports {
			nodePort++
			svc.Spec.Ports[i].NodePort = nodePort
		}
		return false, svc, nil
	})
	return newKubernetesRuntime(cs, testNamespace), cs
}

func setPodPhase(t *testing.T, cs *fake.Clientset, name string, phase corev1.PodPhase) {
	ctx := context.Background()
	pod, err := cs.CoreV1().Pods(testNamespace).Get(ctx, name, metav1.GetOptions{})
	require.NoError(t, err)
	pod.Status.Phase = phase
	_, err = cs.CoreV1().Pods(testNamespace).UpdateStatus(ctx, pod, metav1.UpdateOptions{})
	require.NoError(t, err)
}

func TestKubernetesCreate(t *testing.T) {
	r, cs := newKubernetesRuntimeForTest()
	ctx := context.Background()

	sandbox, err := r.Create(ctx, testSpec())
	require.NoError(t, err)
	assert.Equal(t, "ctf-0b7c2a4e-1111-2222-3333-444455556666", sandbox.Handle)
	assert.Equal(t, 31001, sandbox.PublishedPort)

	pod, err := cs.CoreV1().Pods(testNamespace).Get(ctx, sandbox.Handle, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "true", pod.Labels[LabelManaged])
	assert.Equal(t, corev1.RestartPolicyNever, pod.Spec.RestartPolicy)

	c := pod.Spec.Containers[0]
	assert.Equal(t, "ctf/web-easy:latest", c.Image)
	assert.Equal(t, []corev1.EnvVar{{Name: "FLAG", Value: "CTF{x}"}, {Name: "TEAM_ID", Value: "team-a"}}, c.Env)
	assert.Equal(t, int64(100*1024*1024), c.Resources.Limits.Memory().Value())
	assert.Equal(t, int64(500), c.Resources.Limits.Cpu().MilliValue())

	svc, err := cs.CoreV1().Services(testNamespace).Get(ctx, sandbox.Handle, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, corev1.ServiceTypeNodePort, svc.Spec.Type)
	assert.Equal(t, "0b7c2a4e-1111-2222-3333-444455556666", svc.Spec.Selector[LabelInstance])
}

func TestKubernetesInspect(t *testing.T) {
	r, cs := newKubernetesRuntimeForTest()
	ctx := context.Background()

	sandbox, err := r.Create(ctx, testSpec())
	require.NoError(t, err)

	state, err := r.Inspect(ctx, sandbox.Handle)
	require.NoError(t, err)
	assert.Equal(t, StateUnknown, state, "pending pod is not yet running")

	setPodPhase(t, cs, sandbox.Handle, corev1.PodRunning)
	state, err = r.Inspect(ctx, sandbox.Handle)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, state)

	setPodPhase(t, cs, sandbox.Handle, corev1.PodFailed)
	state, err = r.Inspect(ctx, sandbox.Handle)
	require.NoError(t, err)
	assert.Equal(t, StateExited, state)

	state, err = r.Inspect(ctx, "ctf-missing")
	require.NoError(t, err)
	assert.Equal(t, StateUnknown, state)
}

func TestKubernetesInspectReturnsApiErrors(t *testing.T) {
	r, cs := newKubernetesRuntimeForTest()
	ctx := context.Background()

	sandbox, err := r.Create(ctx, testSpec())
	require.NoError(t, err)

	forbidden := apierrors.NewForbidden(schema.GroupResource{Resource: "pods"}, sandbox.Handle, errors.New("rbac"))
	cs.PrependReactor("get", "pods", func(action k8stesting.Action) (bool, k8sruntime.Object, error) {
		return true, nil, forbidden
	})

	state, err := r.Inspect(ctx, sandbox.Handle)
	require.Error(t, err)
	assert.True(t, apierrors.IsForbidden(err))
	assert.Equal(t, StateUnknown, state)
}

func TestKubernetesStopIsIdempotent(t *testing.T) {
	r, cs := newKubernetesRuntimeForTest()
	ctx := context.Background()

	sandbox, err := r.Create(ctx, testSpec())
	require.NoError(t, err)

	require.NoError(t, r.Stop(ctx, sandbox.Handle))
	require.NoError(t, r.Remove(ctx, sandbox.Handle))
	require.NoError(t, r.Stop(ctx, sandbox.Handle))

	pods, err := cs.CoreV1().Pods(testNamespace).List(ctx, metav1.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, pods.Items)

	svcs, err := cs.CoreV1().Services(testNamespace).List(ctx, metav1.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, svcs.Items)
}

func TestKubernetesList(t *testing.T) {
	r, cs := newKubernetesRuntimeForTest()
	ctx := context.Background()

	sandbox, err := r.Create(ctx, testSpec())
	require.NoError(t, err)
	setPodPhase(t, cs, sandbox.Handle, corev1.PodRunning)

	// Unmanaged pods are ignored
	_, err = cs.CoreV1().Pods(testNamespace).Create(ctx, &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "other", Labels: map[string]string{"app": "scoreboard"}},
	}, metav1.CreateOptions{})
	require.NoError(t, err)

	infos, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "0b7c2a4e-1111-2222-3333-444455556666", infos[0].InstanceID)
	assert.Equal(t, StateRunning, infos[0].State)
}

func TestKubernetesCreateWithoutNodePortCleansUp(t *testing.T) {
	cs := fake.NewSimpleClientset()
	r := newKubernetesRuntime(cs, testNamespace)
	ctx := context.Background()

	_, err := r.Create(ctx, testSpec())
	assert.Error(t, err)

	pods, err := cs.CoreV1().Pods(testNamespace).List(ctx, metav1.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, pods.Items)
}
