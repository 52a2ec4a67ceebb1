package v1

// Hand-written in place of client-gen output (the same rationale as
// zz_deepcopy.go): this repo's build never runs code generation, so the
// typed clientset the CRD reconcilers depend on is implemented directly
// against a rest.Interface instead of being generated from the type
// definitions above.

import (
	"context"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/serializer"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
)

// Scheme is this package's own runtime.Scheme, used both to register
// storage.blockpool.io/v1 types with the shared client-go scheme and to
// build the parameter codec NodeClient/VolumeClient encode list/watch
// options with.
var Scheme = runtime.NewScheme()

var parameterCodec runtime.ParameterCodec

func init() {
	if err := AddToScheme(Scheme); err != nil {
		panic(err)
	}
	if err := AddToScheme(scheme.Scheme); err != nil {
		panic(err)
	}
	parameterCodec = runtime.NewParameterCodec(Scheme)
}

// Interface is the hand-written equivalent of a client-gen StorageV1Interface.
type Interface interface {
	Nodes() NodeClient
	Volumes() VolumeClient
}

type client struct {
	rest rest.Interface
}

// NewForConfig builds a typed client for the storage.blockpool.io/v1 group
// from a raw *rest.Config (as returned by clientcmd/in-cluster config).
func NewForConfig(c *rest.Config) (Interface, error) {
	cfg := *c
	cfg.GroupVersion = &GroupVersion
	cfg.APIPath = "/apis"
	cfg.NegotiatedSerializer = serializer.NewCodecFactory(Scheme).WithoutConversion()
	if cfg.UserAgent == "" {
		cfg.UserAgent = rest.DefaultKubernetesUserAgent()
	}
	rc, err := rest.RESTClientFor(&cfg)
	if err != nil {
		return nil, err
	}
	return &client{rest: rc}, nil
}

func (c *client) Nodes() NodeClient     { return &nodeClient{rest: c.rest} }
func (c *client) Volumes() VolumeClient { return &volumeClient{rest: c.rest} }

// NodeClient is the subset of a generated typed clientset's resource
// interface the node reconciler (§4.5) needs.
type NodeClient interface {
	Create(ctx context.Context, n *Node, opts metav1.CreateOptions) (*Node, error)
	Update(ctx context.Context, n *Node, opts metav1.UpdateOptions) (*Node, error)
	UpdateStatus(ctx context.Context, n *Node, opts metav1.UpdateOptions) (*Node, error)
	Delete(ctx context.Context, name string, opts metav1.DeleteOptions) error
	Get(ctx context.Context, name string, opts metav1.GetOptions) (*Node, error)
	List(opts metav1.ListOptions) (*NodeList, error)
	Watch(opts metav1.ListOptions) (watch.Interface, error)
}

type nodeClient struct {
	rest rest.Interface
}

func (c *nodeClient) Get(ctx context.Context, name string, opts metav1.GetOptions) (*Node, error) {
	result := &Node{}
	err := c.rest.Get().Resource("nodes").Name(name).VersionedParams(&opts, parameterCodec).Do(ctx).Into(result)
	return result, err
}

func (c *nodeClient) List(opts metav1.ListOptions) (*NodeList, error) {
	result := &NodeList{}
	err := c.rest.Get().Resource("nodes").VersionedParams(&opts, parameterCodec).Do(context.Background()).Into(result)
	return result, err
}

func (c *nodeClient) Watch(opts metav1.ListOptions) (watch.Interface, error) {
	opts.Watch = true
	return c.rest.Get().Resource("nodes").VersionedParams(&opts, parameterCodec).Watch(context.Background())
}

func (c *nodeClient) Create(ctx context.Context, n *Node, opts metav1.CreateOptions) (*Node, error) {
	result := &Node{}
	err := c.rest.Post().Resource("nodes").VersionedParams(&opts, parameterCodec).Body(n).Do(ctx).Into(result)
	return result, err
}

func (c *nodeClient) Update(ctx context.Context, n *Node, opts metav1.UpdateOptions) (*Node, error) {
	result := &Node{}
	err := c.rest.Put().Resource("nodes").Name(n.Name).VersionedParams(&opts, parameterCodec).Body(n).Do(ctx).Into(result)
	return result, err
}

func (c *nodeClient) UpdateStatus(ctx context.Context, n *Node, opts metav1.UpdateOptions) (*Node, error) {
	result := &Node{}
	err := c.rest.Put().Resource("nodes").Name(n.Name).SubResource("status").VersionedParams(&opts, parameterCodec).Body(n).Do(ctx).Into(result)
	return result, err
}

func (c *nodeClient) Delete(ctx context.Context, name string, opts metav1.DeleteOptions) error {
	return c.rest.Delete().Resource("nodes").Name(name).Body(&opts).Do(ctx).Error()
}

// VolumeClient is the subset of a generated typed clientset's resource
// interface the volume reconciler (§4.5) needs.
type VolumeClient interface {
	Create(ctx context.Context, v *Volume, opts metav1.CreateOptions) (*Volume, error)
	Update(ctx context.Context, v *Volume, opts metav1.UpdateOptions) (*Volume, error)
	UpdateStatus(ctx context.Context, v *Volume, opts metav1.UpdateOptions) (*Volume, error)
	Delete(ctx context.Context, name string, opts metav1.DeleteOptions) error
	Get(ctx context.Context, name string, opts metav1.GetOptions) (*Volume, error)
	List(opts metav1.ListOptions) (*VolumeList, error)
	Watch(opts metav1.ListOptions) (watch.Interface, error)
}

type volumeClient struct {
	rest rest.Interface
}

func (c *volumeClient) Get(ctx context.Context, name string, opts metav1.GetOptions) (*Volume, error) {
	result := &Volume{}
	err := c.rest.Get().Resource("volumes").Name(name).VersionedParams(&opts, parameterCodec).Do(ctx).Into(result)
	return result, err
}

func (c *volumeClient) List(opts metav1.ListOptions) (*VolumeList, error) {
	result := &VolumeList{}
	err := c.rest.Get().Resource("volumes").VersionedParams(&opts, parameterCodec).Do(context.Background()).Into(result)
	return result, err
}

func (c *volumeClient) Watch(opts metav1.ListOptions) (watch.Interface, error) {
	opts.Watch = true
	return c.rest.Get().Resource("volumes").VersionedParams(&opts, parameterCodec).Watch(context.Background())
}

func (c *volumeClient) Create(ctx context.Context, v *Volume, opts metav1.CreateOptions) (*Volume, error) {
	result := &Volume{}
	err := c.rest.Post().Resource("volumes").VersionedParams(&opts, parameterCodec).Body(v).Do(ctx).Into(result)
	return result, err
}

func (c *volumeClient) Update(ctx context.Context, v *Volume, opts metav1.UpdateOptions) (*Volume, error) {
	result := &Volume{}
	err := c.rest.Put().Resource("volumes").Name(v.Name).VersionedParams(&opts, parameterCodec).Body(v).Do(ctx).Into(result)
	return result, err
}

func (c *volumeClient) UpdateStatus(ctx context.Context, v *Volume, opts metav1.UpdateOptions) (*Volume, error) {
	result := &Volume{}
	err := c.rest.Put().Resource("volumes").Name(v.Name).SubResource("status").VersionedParams(&opts, parameterCodec).Body(v).Do(ctx).Into(result)
	return result, err
}

func (c *volumeClient) Delete(ctx context.Context, name string, opts metav1.DeleteOptions) error {
	return c.rest.Delete().Resource("volumes").Name(name).Body(&opts).Do(ctx).Error()
}
