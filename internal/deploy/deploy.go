// Package deploy publishes a registered predictor as a serving Deployment
// on Kubernetes.
package deploy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/timmy/ms2sim/internal/config"
	"github.com/timmy/ms2sim/internal/domain"
	"github.com/timmy/ms2sim/internal/logger"
)

const (
	labelApp     = "app.kubernetes.io/name"
	labelKind    = "ms2sim.io/kind"
	labelIonMode = "ms2sim.io/ion-mode"
	annoDataset  = "ms2sim.io/dataset-id"
	annoRunID    = "ms2sim.io/run-id"
	appName      = "ms2sim-api"
)

// Request names the registered run to serve.
type Request struct {
	RunID     string
	IonMode   domain.IonMode
	DatasetID string
	Kind      string
	// Params become extra environment variables of the container.
	Params map[string]string
}

// Result describes the applied Deployment.
type Result struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
	Created   bool   `json:"created"`
}

// Deployer creates or replaces serving Deployments.
type Deployer struct {
	client kubernetes.Interface
	cfg    config.DeployConfig
}

// New creates a Deployer using client.
func New(client kubernetes.Interface, cfg config.DeployConfig) *Deployer {
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.Replicas <= 0 {
		cfg.Replicas = 1
	}
	if cfg.Port <= 0 {
		cfg.Port = 8080
	}
	return &Deployer{client: client, cfg: cfg}
}

// NewFromConfig connects with cfg.Kubeconfig, then $KUBECONFIG, then
// ~/.kube/config, and finally the in-cluster config.
func NewFromConfig(cfg config.DeployConfig) (*Deployer, error) {
	kubeconfig := cfg.Kubeconfig
	if kubeconfig == "" {
		kubeconfig = os.Getenv("KUBECONFIG")
	}
	if kubeconfig == "" {
		if home, err := os.UserHomeDir(); err == nil {
			kubeconfig = filepath.Join(home, ".kube", "config")
		}
	}
	if kubeconfig != "" {
		if st, err := os.Stat(kubeconfig); err != nil || st.IsDir() {
			kubeconfig = ""
		}
	}

	var restCfg *rest.Config
	var err error
	if kubeconfig == "" {
		restCfg, err = rest.InClusterConfig()
	} else {
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, domain.Permanent("kubernetes config", err)
	}
	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, domain.Permanent("kubernetes client", err)
	}
	return New(client, cfg), nil
}

// Name returns the Deployment name serving kind in mode.
func Name(kind string, mode domain.IonMode) string {
	return fmt.Sprintf("ms2sim-%s-%s", strings.ToLower(kind), mode)
}

// runIDEnv is the variable the API server reads its run id from.
func runIDEnv(mode domain.IonMode) string {
	return "MODEL_RUN_ID_" + strings.ToUpper(string(mode))
}

// Deploy applies the Deployment for req, overwriting an existing one.
func (d *Deployer) Deploy(ctx context.Context, req Request) (Result, error) {
	const op = "deploy model"
	if req.RunID == "" || req.Kind == "" {
		return Result{}, domain.Invalid(op, "run id and kind are required")
	}
	if _, err := domain.ParseIonMode(string(req.IonMode)); err != nil {
		return Result{}, err
	}
	if d.cfg.Image == "" {
		return Result{}, domain.Invalid(op, "deploy.image is not configured")
	}

	want := d.manifest(req)
	deployments := d.client.AppsV1().Deployments(d.cfg.Namespace)
	res := Result{Name: want.Name, Namespace: d.cfg.Namespace}

	current, err := deployments.Get(ctx, want.Name, metav1.GetOptions{})
	switch {
	case apierrors.IsNotFound(err):
		if _, err := deployments.Create(ctx, want, metav1.CreateOptions{}); err != nil {
			return Result{}, k8sError(op, err)
		}
		res.Created = true
	case err != nil:
		return Result{}, k8sError(op, err)
	default:
		want.ResourceVersion = current.ResourceVersion
		if _, err := deployments.Update(ctx, want, metav1.UpdateOptions{}); err != nil {
			return Result{}, k8sError(op, err)
		}
	}

	logger.With(logger.Fields{
		logger.FieldRunID:   req.RunID,
		logger.FieldIonMode: req.IonMode,
	}).Info(ctx, "Deployment %s/%s applied (created=%t)", res.Namespace, res.Name, res.Created)
	return res, nil
}

func (d *Deployer) manifest(req Request) *appsv1.Deployment {
	name := Name(req.Kind, req.IonMode)
	labels := map[string]string{
		labelApp:     appName,
		labelKind:    strings.ToLower(req.Kind),
		labelIonMode: string(req.IonMode),
	}
	env := []corev1.EnvVar{
		{Name: runIDEnv(req.IonMode), Value: req.RunID},
		{Name: "MODEL_KIND", Value: req.Kind},
		{Name: "SERVER_PORT", Value: fmt.Sprint(d.cfg.Port)},
	}
	keys := make([]string, 0, len(req.Params))
	for k := range req.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, corev1.EnvVar{Name: k, Value: req.Params[k]})
	}

	replicas := d.cfg.Replicas
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: d.cfg.Namespace,
			Labels:    labels,
			Annotations: map[string]string{
				annoDataset: req.DatasetID,
				annoRunID:   req.RunID,
			},
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: labels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels:      labels,
					Annotations: map[string]string{annoRunID: req.RunID},
				},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:  "api",
						Image: d.cfg.Image,
						Args:  []string{"--ion-mode", string(req.IonMode)},
						Env:   env,
						Ports: []corev1.ContainerPort{{Name: "http", ContainerPort: d.cfg.Port}},
					}},
				},
			},
		},
	}
}

// k8sError classifies API errors: conflicts and throttling are retried.
func k8sError(op string, err error) error {
	switch {
	case apierrors.IsConflict(err), apierrors.IsTooManyRequests(err),
		apierrors.IsServerTimeout(err), apierrors.IsTimeout(err),
		apierrors.IsServiceUnavailable(err), apierrors.IsInternalError(err):
		return domain.Transient(op, err)
	default:
		return domain.Permanent(op, err)
	}
}
