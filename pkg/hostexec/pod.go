package hostexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/fenio/tns-nvmf/pkg/utils"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/util/httpstream"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"
	utilexec "k8s.io/client-go/util/exec"
	"k8s.io/klog/v2"
)

// Default pod selection for remote hosts.
const (
	DefaultAgentNamespace = "kube-system"
	DefaultAgentSelector  = "app.kubernetes.io/name=tns-nvmf-agent"
)

// PodOptions selects the privileged agent pod that executes commands on a node.
type PodOptions struct {
	Namespace     string
	LabelSelector string
	Container     string
	// Prefix is prepended to every command inside the pod, e.g. an nsenter
	// invocation that enters the host namespaces.
	Prefix []string
}

// streamFunc executes a command in a pod and streams its output.
type streamFunc func(ctx context.Context, pod *corev1.Pod, container string, command []string, stdout, stderr *bytes.Buffer) error

// Pod runs commands on a remote Kubernetes node by exec-ing into the agent pod
// scheduled on that node. The pod is looked up on every call.
type Pod struct {
	client kubernetes.Interface
	stream streamFunc
	opts   PodOptions
	host   string
}

// NewPod creates a runner for the node named host.
func NewPod(client kubernetes.Interface, config *rest.Config, host string, opts PodOptions) *Pod {
	if opts.Namespace == "" {
		opts.Namespace = DefaultAgentNamespace
	}
	if opts.LabelSelector == "" {
		opts.LabelSelector = DefaultAgentSelector
	}
	p := &Pod{client: client, opts: opts, host: host}
	p.stream = func(ctx context.Context, pod *corev1.Pod, container string, command []string, stdout, stderr *bytes.Buffer) error {
		return streamExec(ctx, client, config, pod, container, command, stdout, stderr)
	}
	return p
}

// NewPodFromKubeconfig builds the Kubernetes client from a kubeconfig path.
// An empty path uses the in-cluster configuration.
func NewPodFromKubeconfig(kubeconfig, host string, opts PodOptions) (*Pod, error) {
	config, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to load kubeconfig: %w", err)
	}
	client, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return NewPod(client, config, host, opts), nil
}

// Host implements Runner.
func (p *Pod) Host() string {
	return p.host
}

// Run implements Runner.
func (p *Pod) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	pod, err := p.findPod(ctx)
	if err != nil {
		return nil, err
	}

	bin, argv := withPrefix(p.opts.Prefix, name, args)
	command := append([]string{bin}, argv...)
	line := commandLine(bin, argv)
	klog.V(4).Infof("Running on %s (pod %s/%s): %s", p.host, pod.Namespace, pod.Name, line)

	var stdout, stderr bytes.Buffer
	if err := p.stream(ctx, pod, p.opts.Container, command, &stdout, &stderr); err != nil {
		exitErr := &ExitError{
			Err:     err,
			Host:    p.host,
			Command: line,
			Stdout:  stdout.String(),
			Stderr:  stderr.String(),
		}
		var codeErr utilexec.CodeExitError
		if errors.As(err, &codeErr) {
			exitErr.ExitCode = codeErr.ExitStatus()
		}
		klog.V(4).Infof("Remote command failed: %v", exitErr)
		return stdout.Bytes(), exitErr
	}
	return stdout.Bytes(), nil
}

// findPod returns a running agent pod on the runner's node.
func (p *Pod) findPod(ctx context.Context) (*corev1.Pod, error) {
	policy := utils.KubeAPIPolicy("list agent pods on " + p.host)
	pods, err := utils.WithRetry(ctx, policy, func(ctx context.Context) (*corev1.PodList, error) {
		return p.client.CoreV1().Pods(p.opts.Namespace).List(ctx, metav1.ListOptions{
			LabelSelector: p.opts.LabelSelector,
			FieldSelector: fields.OneTermEqualSelector("spec.nodeName", p.host).String(),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list agent pods for host %s: %w", p.host, err)
	}

	for i := range pods.Items {
		pod := &pods.Items[i]
		// Fake clientsets ignore field selectors.
		if pod.Spec.NodeName != p.host || pod.Status.Phase != corev1.PodRunning || pod.DeletionTimestamp != nil {
			continue
		}
		return pod, nil
	}
	return nil, fmt.Errorf("%w: %s (namespace %s, selector %q)", ErrHostNotFound, p.host, p.opts.Namespace, p.opts.LabelSelector)
}

// streamExec runs command in the pod over the exec subresource, preferring
// websockets and falling back to SPDY on older API servers.
func streamExec(ctx context.Context, client kubernetes.Interface, config *rest.Config, pod *corev1.Pod, container string, command []string, stdout, stderr *bytes.Buffer) error {
	req := client.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(pod.Name).
		Namespace(pod.Namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: container,
			Command:   command,
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	spdyExec, err := remotecommand.NewSPDYExecutor(config, "POST", req.URL())
	if err != nil {
		return fmt.Errorf("failed to create SPDY executor: %w", err)
	}
	wsExec, err := remotecommand.NewWebSocketExecutor(config, "GET", req.URL().String())
	if err != nil {
		return fmt.Errorf("failed to create websocket executor: %w", err)
	}
	executor, err := remotecommand.NewFallbackExecutor(wsExec, spdyExec, httpstream.IsUpgradeFailure)
	if err != nil {
		return fmt.Errorf("failed to create exec executor: %w", err)
	}

	return executor.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdout: stdout,
		Stderr: stderr,
	})
}
