// Package kubernetes implements a backend that runs each job as a
// Kubernetes batch Job. The job target is the container image and the
// payload is the command. The Kubernetes Job name is the job id.
package kubernetes

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"jobrelay/internal/backend"
	"jobrelay/internal/config"
	"jobrelay/internal/job"
	"jobrelay/internal/logger"
	"jobrelay/internal/relayerr"
)

// Backend-scoped configuration keys.
var (
	KeyNamespace      = config.BackendKey("namespace")
	KeyKubeconfig     = config.BackendKey("kubeconfig")
	KeyServiceAccount = config.BackendKey("serviceaccount")
	KeyCPULimit       = config.BackendKey("cpu.limit")
	KeyMemoryLimit    = config.BackendKey("memory.limit")
)

const (
	LabelManagedBy = "app.kubernetes.io/managed-by"
	managedBy      = "jobrelay"
	containerName  = "job"
	envPrefix      = "env."
)

// Config holds configuration for the Kubernetes backend.
type Config struct {
	// Namespace where jobs will be created
	Namespace string
	// ServiceAccount for job pods (optional)
	ServiceAccount string
	// Default resource limits for jobs
	CPULimit    string
	MemoryLimit string
}

func (c *Config) setDefaults() {
	if c.Namespace == "" {
		c.Namespace = "default"
	}
	if c.CPULimit == "" {
		c.CPULimit = "500m"
	}
	if c.MemoryLimit == "" {
		c.MemoryLimit = "256Mi"
	}
}

// Backend submits jobs to a Kubernetes cluster.
type Backend struct {
	clientset kubernetes.Interface
	config    Config
	logger    *slog.Logger
}

func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	return os.Getenv("USERPROFILE") // Windows
}

// New builds a backend from its configuration view. It tries in-cluster
// configuration first and falls back to a kubeconfig file.
func New(_ context.Context, p backend.Params) (backend.Backend, error) {
	log := logger.OrDefault(p.Logger)
	lookup := func(key string) string {
		v, _ := p.Config.LookupPart(key, p.ID)
		return v
	}

	restConfig, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := lookup(KeyKubeconfig)
		if kubeconfig == "" {
			kubeconfig = filepath.Join(homeDir(), ".kube", "config")
		}
		log.Debug("in-cluster config not available, using kubeconfig",
			slog.String("kubeconfig", kubeconfig),
			slog.String("reason", err.Error()),
		)
		restConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to build kubernetes config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes clientset: %w", err)
	}

	cfg := Config{
		Namespace:      lookup(KeyNamespace),
		ServiceAccount: lookup(KeyServiceAccount),
		CPULimit:       lookup(KeyCPULimit),
		MemoryLimit:    lookup(KeyMemoryLimit),
	}
	if _, err := resource.ParseQuantity(orDefault(cfg.CPULimit, "500m")); err != nil {
		return nil, relayerr.Configf(config.ExpandPart(KeyCPULimit, p.ID), "invalid quantity: %v", err)
	}
	if _, err := resource.ParseQuantity(orDefault(cfg.MemoryLimit, "256Mi")); err != nil {
		return nil, relayerr.Configf(config.ExpandPart(KeyMemoryLimit, p.ID), "invalid quantity: %v", err)
	}
	return NewWithClientset(clientset, cfg, log), nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// NewWithClientset uses an existing clientset.
func NewWithClientset(clientset kubernetes.Interface, cfg Config, log *slog.Logger) *Backend {
	cfg.setDefaults()
	return &Backend{clientset: clientset, config: cfg, logger: logger.OrDefault(log)}
}

func (b *Backend) CreateJob(_ context.Context) (*job.Job, error) {
	return job.New(), nil
}

// Submit creates the batch Job.
func (b *Backend) Submit(ctx context.Context, j *job.Job) error {
	if j == nil {
		return relayerr.InvalidJob("job is nil")
	}
	if j.Target == "" {
		return relayerr.InvalidJob("image is required")
	}

	name := j.ID
	if name == "" {
		name = "jobrelay-" + uuid.NewString()[:8]
	}

	var env []corev1.EnvVar
	for k, v := range j.Properties {
		if key, ok := strings.CutPrefix(k, envPrefix); ok && key != "" {
			env = append(env, corev1.EnvVar{Name: key, Value: v})
		}
	}
	sort.Slice(env, func(a, c int) bool { return env[a].Name < env[c].Name })

	resources := corev1.ResourceRequirements{
		Limits: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse(b.config.CPULimit),
			corev1.ResourceMemory: resource.MustParse(b.config.MemoryLimit),
		},
	}

	backoffLimit := int32(0)
	labels := map[string]string{LabelManagedBy: managedBy}
	spec := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: b.config.Namespace,
			Labels:    labels,
			Annotations: map[string]string{
				"jobrelay.io/priority": string(j.Priority),
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{
						"job-name":     name,
						LabelManagedBy: managedBy,
					},
				},
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicyNever,
					ServiceAccountName: b.config.ServiceAccount,
					Containers: []corev1.Container{
						{
							Name:      containerName,
							Image:     j.Target,
							Command:   strings.Fields(j.Payload),
							Env:       env,
							Resources: resources,
						},
					},
				},
			},
		},
	}

	created, err := b.clientset.BatchV1().Jobs(b.config.Namespace).Create(ctx, spec, metav1.CreateOptions{})
	if err != nil {
		return fmt.Errorf("failed to create kubernetes job: %w", err)
	}

	j.ID = created.Name
	b.logger.Info("kubernetes job created",
		slog.String("job_id", j.ID),
		slog.String("namespace", b.config.Namespace),
	)
	return nil
}

func (b *Backend) Suspend(ctx context.Context, j *job.Job) error {
	return b.setSuspend(ctx, j, true)
}

func (b *Backend) Resume(ctx context.Context, j *job.Job) error {
	return b.setSuspend(ctx, j, false)
}

func (b *Backend) setSuspend(ctx context.Context, j *job.Job, suspend bool) error {
	if err := backend.RequireID(j); err != nil {
		return err
	}
	jobs := b.clientset.BatchV1().Jobs(b.config.Namespace)
	current, err := jobs.Get(ctx, j.ID, metav1.GetOptions{})
	if err != nil {
		return b.wrap(j, err)
	}
	current.Spec.Suspend = &suspend
	if _, err := jobs.Update(ctx, current, metav1.UpdateOptions{}); err != nil {
		return b.wrap(j, err)
	}
	return nil
}

// Cancel deletes the Job with foreground propagation so its pods go too.
func (b *Backend) Cancel(ctx context.Context, j *job.Job) error {
	if err := backend.RequireID(j); err != nil {
		return err
	}
	propagation := metav1.DeletePropagationForeground
	err := b.clientset.BatchV1().Jobs(b.config.Namespace).Delete(ctx, j.ID, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil {
		return b.wrap(j, err)
	}
	b.logger.Info("kubernetes job deleted", slog.String("job_id", j.ID))
	return nil
}

// Release deletes a finished Job and its pods. A Job that is already gone
// counts as released.
func (b *Backend) Release(ctx context.Context, j *job.Job) error {
	if err := backend.RequireID(j); err != nil {
		return err
	}
	propagation := metav1.DeletePropagationBackground
	err := b.clientset.BatchV1().Jobs(b.config.Namespace).Delete(ctx, j.ID, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return b.wrap(j, err)
	}
	return nil
}

func (b *Backend) Status(ctx context.Context, j *job.Job) (job.Status, error) {
	if err := backend.RequireID(j); err != nil {
		return job.StatusUnset, err
	}
	current, err := b.clientset.BatchV1().Jobs(b.config.Namespace).Get(ctx, j.ID, metav1.GetOptions{})
	if err != nil {
		return job.StatusUnset, b.wrap(j, err)
	}
	return MapJobStatus(current), nil
}

// PollBatch lists every managed Job in the namespace once. Jobs missing
// from the list have been deleted and are reported UNKNOWN.
func (b *Backend) PollBatch(ctx context.Context, jobs []*job.Job) ([]job.Status, error) {
	list, err := b.clientset.BatchV1().Jobs(b.config.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: LabelManagedBy + "=" + managedBy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list kubernetes jobs: %w", err)
	}

	byName := make(map[string]*batchv1.Job, len(list.Items))
	for i := range list.Items {
		byName[list.Items[i].Name] = &list.Items[i]
	}

	out := make([]job.Status, len(jobs))
	for i, j := range jobs {
		if j == nil || j.ID == "" {
			continue
		}
		if kj, ok := byName[j.ID]; ok {
			out[i] = MapJobStatus(kj)
		} else {
			out[i] = job.StatusUnknown
		}
	}
	return out, nil
}

func (b *Backend) SupportsMonitoring() bool { return true }

func (b *Backend) wrap(j *job.Job, err error) error {
	if apierrors.IsNotFound(err) {
		return fmt.Errorf("kubernetes: %s: %w: %w", j, backend.ErrJobNotFound, err)
	}
	return fmt.Errorf("kubernetes: %s: %w", j, err)
}

// MapJobStatus converts a batch Job into a job status.
func MapJobStatus(kj *batchv1.Job) job.Status {
	for _, c := range kj.Status.Conditions {
		if c.Status != corev1.ConditionTrue {
			continue
		}
		switch c.Type {
		case batchv1.JobComplete:
			return job.StatusCompleted
		case batchv1.JobFailed:
			return job.StatusError
		}
	}
	switch {
	case kj.Status.Succeeded > 0:
		return job.StatusCompleted
	case kj.Status.Failed > 0:
		return job.StatusError
	case kj.Spec.Suspend != nil && *kj.Spec.Suspend:
		return job.StatusPending
	case kj.Status.Active > 0:
		return job.StatusInProgress
	}
	return job.StatusPending
}
