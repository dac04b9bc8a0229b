package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	appsv1 "k8s.io/api/apps/v1"
	autoscalingv1 "k8s.io/api/autoscaling/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"
	metricsclient "k8s.io/metrics/pkg/client/clientset/versioned"

	"github.com/opendx28/slicerhub/pkg/log"
	domain "github.com/opendx28/slicerhub/pkg/types"
)

const (
	deploymentPrefix = "deploy-"

	appLabel     = "app"
	appLabelVal  = "slicer"
	userLabel    = "app-user"
	proxyExecCtr = "nginx-container"
)

// KubernetesOrchestrator schedules session containers as single-replica
// Deployments. Stop and start map to scaling the deployment to 0 and 1.
type KubernetesOrchestrator struct {
	clientset  kubernetes.Interface
	metrics    metricsclient.Interface
	restConfig *rest.Config
	namespace  string
	nfsBase    string
	proxyName  string
	logger     zerolog.Logger
}

// NewKubernetesOrchestrator builds the cluster backend from a kubeconfig
// path, falling back to in-cluster credentials when the path is empty.
func NewKubernetesOrchestrator(kubeconfig, namespace, nfsBase, proxyName string) (*KubernetesOrchestrator, error) {
	var (
		restCfg *rest.Config
		err     error
	)
	if kubeconfig != "" {
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		restCfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cluster config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	metrics, err := metricsclient.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics client: %w", err)
	}

	return &KubernetesOrchestrator{
		clientset:  clientset,
		metrics:    metrics,
		restConfig: restCfg,
		namespace:  namespace,
		nfsBase:    nfsBase,
		proxyName:  proxyName,
		logger:     log.WithComponent("orchestrator.kubernetes"),
	}, nil
}

// NormalizeName maps any string to a DNS-1123 safe fragment: lowercase,
// with every character outside [a-z0-9-] replaced by a hyphen.
func (k *KubernetesOrchestrator) NormalizeName(user string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(user) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

func (k *KubernetesOrchestrator) ContainerName(user string) string {
	return k.NormalizeName(domain.ContainerNamePrefix + user)
}

func (k *KubernetesOrchestrator) deploymentName(name string) string {
	return deploymentPrefix + name
}

func (k *KubernetesOrchestrator) ListManagedContainers(ctx context.Context, prefix string) ([]string, error) {
	deployPrefix := k.deploymentName(k.NormalizeName(prefix))

	list, err := k.clientset.AppsV1().Deployments(k.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: appLabel + "=" + appLabelVal,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}

	var names []string
	for _, d := range list.Items {
		if strings.HasPrefix(d.Name, deployPrefix) {
			names = append(names, strings.TrimPrefix(d.Name, deploymentPrefix))
		}
	}
	return names, nil
}

// EnsureNetwork is satisfied by the flat pod network; the name is echoed
// back as the identifier.
func (k *KubernetesOrchestrator) EnsureNetwork(_ context.Context, name string) (string, error) {
	return name, nil
}

// EnsureVolume is satisfied lazily: session pods mount hostPath volumes
// with DirectoryOrCreate under the NFS base, so the kubelet creates the
// directory on first mount.
func (k *KubernetesOrchestrator) EnsureVolume(_ context.Context, _, _ string) error {
	return nil
}

// EnsureImage is satisfied by the kubelet, which pulls images on schedule.
func (k *KubernetesOrchestrator) EnsureImage(_ context.Context, _, _ string) error {
	return nil
}

// StartContainer scales an existing deployment to one replica or creates
// it, then waits until a pod reports running.
func (k *KubernetesOrchestrator) StartContainer(ctx context.Context, spec domain.LaunchSpec) error {
	deployments := k.clientset.AppsV1().Deployments(k.namespace)
	deployName := k.deploymentName(spec.Name)

	_, err := deployments.Get(ctx, deployName, metav1.GetOptions{})
	switch {
	case err == nil:
		if err := k.scale(ctx, deployName, 1); err != nil {
			return err
		}
	case apierrors.IsNotFound(err):
		if _, err := deployments.Create(ctx, k.deployment(spec), metav1.CreateOptions{}); err != nil {
			return fmt.Errorf("failed to create deployment %s: %w", deployName, err)
		}
	default:
		return fmt.Errorf("failed to get deployment %s: %w", deployName, err)
	}

	return k.waitRunning(ctx, spec.Name)
}

func (k *KubernetesOrchestrator) deployment(spec domain.LaunchSpec) *appsv1.Deployment {
	labels := map[string]string{
		appLabel:  appLabelVal,
		userLabel: spec.Name,
	}

	volumes := []corev1.Volume{{
		Name: "shm",
		VolumeSource: corev1.VolumeSource{
			EmptyDir: &corev1.EmptyDirVolumeSource{
				Medium:    corev1.StorageMediumMemory,
				SizeLimit: resource.NewQuantity(shmSize, resource.BinarySI),
			},
		},
	}}
	mounts := []corev1.VolumeMount{{Name: "shm", MountPath: "/dev/shm"}}

	hostPathType := corev1.HostPathDirectoryOrCreate
	for i, v := range spec.Volumes {
		volName := fmt.Sprintf("data-%d", i)
		volumes = append(volumes, corev1.Volume{
			Name: volName,
			VolumeSource: corev1.VolumeSource{
				HostPath: &corev1.HostPathVolumeSource{
					Path: k.nfsBase + "/" + v.Volume,
					Type: &hostPathType,
				},
			},
		})
		mounts = append(mounts, corev1.VolumeMount{Name: volName, MountPath: v.MountPath})
	}

	// The VNC web assets hardcode the websockify endpoint; rewrite it to
	// the per-session websocket route the proxy publishes.
	wsRoute := spec.SessionID + "-ws"
	postStart := fmt.Sprintf(
		"sed -i 's/websockify/%s/g' /usr/share/kasmvnc/www/app/ui.js /usr/share/kasmvnc/www/dist/main.bundle.js",
		wsRoute)

	rootUser := int64(0)
	ctr := corev1.Container{
		Name:  spec.Name,
		Image: spec.ImageRef(),
		Env: []corev1.EnvVar{
			{Name: "VNC_DISABLE_AUTH", Value: "true"},
		},
		Ports: []corev1.ContainerPort{{ContainerPort: defaultServicePort}},
		SecurityContext: &corev1.SecurityContext{
			RunAsUser: &rootUser,
		},
		VolumeMounts: mounts,
		Lifecycle: &corev1.Lifecycle{
			PostStart: &corev1.LifecycleHandler{
				Exec: &corev1.ExecAction{
					Command: []string{"/bin/sh", "-c", postStart},
				},
			},
		},
	}

	var tolerations []corev1.Toleration
	if spec.GPU {
		ctr.Resources = corev1.ResourceRequirements{
			Limits: corev1.ResourceList{
				"nvidia.com/gpu": resource.MustParse("1"),
			},
			Requests: corev1.ResourceList{
				corev1.ResourceCPU: resource.MustParse("500m"),
			},
		}
		tolerations = append(tolerations, corev1.Toleration{
			Key:      "nvidia.com/gpu",
			Operator: corev1.TolerationOpExists,
			Effect:   corev1.TaintEffectNoSchedule,
		})
	}

	replicas := int32(1)
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      k.deploymentName(spec.Name),
			Namespace: k.namespace,
			Labels:    labels,
			Annotations: map[string]string{
				sessionIDLabel: spec.SessionID,
			},
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: labels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers:  []corev1.Container{ctr},
					Volumes:     volumes,
					Tolerations: tolerations,
				},
			},
		},
	}
}

func (k *KubernetesOrchestrator) scale(ctx context.Context, deployName string, replicas int32) error {
	_, err := k.clientset.AppsV1().Deployments(k.namespace).UpdateScale(ctx, deployName,
		&autoscalingv1.Scale{
			ObjectMeta: metav1.ObjectMeta{Name: deployName, Namespace: k.namespace},
			Spec:       autoscalingv1.ScaleSpec{Replicas: replicas},
		}, metav1.UpdateOptions{})
	if err != nil {
		return fmt.Errorf("failed to scale deployment %s to %d: %w", deployName, replicas, err)
	}
	return nil
}

func (k *KubernetesOrchestrator) waitRunning(ctx context.Context, name string) error {
	deadline := time.Now().Add(launchWait)
	for {
		pod, err := k.sessionPod(ctx, name)
		if err != nil {
			return err
		}
		if pod != nil {
			switch pod.Status.Phase {
			case corev1.PodRunning:
				return nil
			case corev1.PodFailed:
				return fmt.Errorf("pod for %s failed during launch: %w", name, ErrLaunchFailed)
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("pod for %s did not reach running within %s: %w", name, launchWait, ErrLaunchFailed)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(launchPollStep):
		}
	}
}

// sessionPod returns the newest pod of the session's deployment, nil when
// none exist.
func (k *KubernetesOrchestrator) sessionPod(ctx context.Context, name string) (*corev1.Pod, error) {
	list, err := k.clientset.CoreV1().Pods(k.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: userLabel + "=" + name,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pods for %s: %w", name, err)
	}
	if len(list.Items) == 0 {
		return nil, nil
	}

	newest := list.Items[0]
	for _, p := range list.Items[1:] {
		if p.CreationTimestamp.After(newest.CreationTimestamp.Time) {
			newest = p
		}
	}
	return &newest, nil
}

func (k *KubernetesOrchestrator) StopContainer(ctx context.Context, name string) (domain.StopResult, error) {
	deployName := k.deploymentName(name)
	_, err := k.clientset.AppsV1().Deployments(k.namespace).Get(ctx, deployName, metav1.GetOptions{})
	switch {
	case apierrors.IsNotFound(err):
		return domain.StopAbsent, nil
	case err != nil:
		return domain.StopFailed, fmt.Errorf("failed to get deployment %s: %w", deployName, err)
	}

	if err := k.scale(ctx, deployName, 0); err != nil {
		return domain.StopFailed, err
	}
	return domain.StopStopped, nil
}

func (k *KubernetesOrchestrator) RemoveContainer(ctx context.Context, name string) (domain.RemoveResult, error) {
	deployName := k.deploymentName(name)
	err := k.clientset.AppsV1().Deployments(k.namespace).Delete(ctx, deployName, metav1.DeleteOptions{})
	switch {
	case err == nil:
		return domain.RemoveRemoved, nil
	case apierrors.IsNotFound(err):
		return domain.RemoveAbsent, nil
	default:
		return domain.RemoveFailed, fmt.Errorf("failed to delete deployment %s: %w", deployName, err)
	}
}

func (k *KubernetesOrchestrator) ContainerStatus(ctx context.Context, name string) (domain.ContainerStatus, error) {
	deployName := k.deploymentName(name)
	deploy, err := k.clientset.AppsV1().Deployments(k.namespace).Get(ctx, deployName, metav1.GetOptions{})
	switch {
	case apierrors.IsNotFound(err):
		return domain.StatusAbsent, nil
	case err != nil:
		return domain.StatusOther, fmt.Errorf("failed to get deployment %s: %w", deployName, err)
	}

	if deploy.Spec.Replicas != nil && *deploy.Spec.Replicas == 0 {
		return domain.StatusExited, nil
	}

	pod, err := k.sessionPod(ctx, name)
	if err != nil {
		return domain.StatusOther, err
	}
	if pod == nil {
		return domain.StatusExited, nil
	}
	switch pod.Status.Phase {
	case corev1.PodRunning:
		return domain.StatusRunning, nil
	case corev1.PodFailed, corev1.PodSucceeded:
		return domain.StatusExited, nil
	default:
		return domain.StatusOther, nil
	}
}

// ContainerActivity reads pod CPU from the metrics API and reports
// millicores/1000*100, so one full core reads as 100.
func (k *KubernetesOrchestrator) ContainerActivity(ctx context.Context, name string) (float64, error) {
	_, err := k.clientset.AppsV1().Deployments(k.namespace).Get(ctx, k.deploymentName(name), metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return -1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get deployment %s: %w", k.deploymentName(name), err)
	}

	list, err := k.metrics.MetricsV1beta1().PodMetricses(k.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: userLabel + "=" + name,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read pod metrics for %s: %w", name, err)
	}

	var milli int64
	for _, pm := range list.Items {
		for _, c := range pm.Containers {
			milli += c.Usage.Cpu().MilliValue()
		}
	}
	return float64(milli) / 1000.0 * 100.0, nil
}

func (k *KubernetesOrchestrator) ContainerAddress(ctx context.Context, name, _ string) (string, error) {
	pod, err := k.sessionPod(ctx, name)
	if err != nil {
		return "", err
	}
	if pod == nil || pod.Status.PodIP == "" {
		return "", fmt.Errorf("no addressable pod for %s", name)
	}
	return fmt.Sprintf("%s:%d", pod.Status.PodIP, defaultServicePort), nil
}

// ExecInProxy runs cmd inside the proxy pod's nginx container.
func (k *KubernetesOrchestrator) ExecInProxy(ctx context.Context, name string, cmd []string) (string, error) {
	pod, err := k.proxyPod(ctx, name)
	if err != nil {
		return "", err
	}

	request := k.clientset.CoreV1().RESTClient().
		Post().
		Resource("pods").
		Name(pod.Name).
		Namespace(k.namespace).
		SubResource("exec")
	request.VersionedParams(&corev1.PodExecOptions{
		Stdout:    true,
		Stderr:    true,
		Container: proxyExecCtr,
		Command:   cmd,
	}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(k.restConfig, http.MethodPost, request.URL())
	if err != nil {
		return "", fmt.Errorf("failed to initialize executor: %w", err)
	}

	var stdout, stderr bytes.Buffer
	err = executor.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdout: &stdout,
		Stderr: &stderr,
	})
	if err != nil {
		return stdout.String(), fmt.Errorf("command %v in %s failed: %w: %s",
			cmd, pod.Name, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func (k *KubernetesOrchestrator) proxyPod(ctx context.Context, name string) (*corev1.Pod, error) {
	list, err := k.clientset.CoreV1().Pods(k.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: appLabel + "=" + name,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list proxy pods: %w", err)
	}
	for i := range list.Items {
		if list.Items[i].Status.Phase == corev1.PodRunning {
			return &list.Items[i], nil
		}
	}
	return nil, ErrProxyUnavailable
}

// BringUpBase scales the proxy deployment to one replica. The base
// manifests themselves are applied out of band.
func (k *KubernetesOrchestrator) BringUpBase(ctx context.Context) error {
	deployName := k.deploymentName(k.NormalizeName(k.proxyName))
	deploy, err := k.clientset.AppsV1().Deployments(k.namespace).Get(ctx, deployName, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return fmt.Errorf("proxy deployment %s not found, apply the base manifests first", deployName)
	}
	if err != nil {
		return fmt.Errorf("failed to get proxy deployment %s: %w", deployName, err)
	}

	if deploy.Spec.Replicas != nil && *deploy.Spec.Replicas >= 1 {
		return nil
	}
	k.logger.Info().Str("deployment", deployName).Msg("Scaling proxy deployment up")
	return k.scale(ctx, deployName, 1)
}
