package v1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// GroupVersion identifies this package's custom resources to client-go and
// controller-runtime schemes.
var GroupVersion = schema.GroupVersion{Group: "storage.blockpool.io", Version: "v1"}

// SchemeBuilder collects this package's types for AddToScheme.
var SchemeBuilder = runtime.NewSchemeBuilder(addKnownTypes)

// AddToScheme registers this package's types with s.
var AddToScheme = SchemeBuilder.AddToScheme

func addKnownTypes(s *runtime.Scheme) error {
	s.AddKnownTypes(GroupVersion,
		&Node{}, &NodeList{},
		&Volume{}, &VolumeList{},
	)
	metav1.AddToGroupVersion(s, GroupVersion)
	return nil
}
