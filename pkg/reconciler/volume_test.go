package reconciler

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"

	storagev1 "github.com/blockpool-io/csi-controller/pkg/apis/storage/v1"
	"github.com/blockpool-io/csi-controller/pkg/base"
	"github.com/blockpool-io/csi-controller/pkg/store"
	"github.com/blockpool-io/csi-controller/pkg/volume"
)

var volumeGR = nodeGR // same group, different resource name is irrelevant to NewNotFound/NewAlreadyExists

type fakeVolumeCRClient struct {
	mu      sync.Mutex
	volumes map[string]*storagev1.Volume
}

func newFakeVolumeCRClient() *fakeVolumeCRClient {
	return &fakeVolumeCRClient{volumes: make(map[string]*storagev1.Volume)}
}

func (f *fakeVolumeCRClient) Create(_ context.Context, v *storagev1.Volume, _ metav1.CreateOptions) (*storagev1.Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.volumes[v.Name]; ok {
		return nil, apierrors.NewAlreadyExists(volumeGR, v.Name)
	}
	cp := v.DeepCopy()
	f.volumes[v.Name] = cp
	return cp.DeepCopy(), nil
}

func (f *fakeVolumeCRClient) Update(_ context.Context, v *storagev1.Volume, _ metav1.UpdateOptions) (*storagev1.Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.volumes[v.Name]; !ok {
		return nil, apierrors.NewNotFound(volumeGR, v.Name)
	}
	cp := v.DeepCopy()
	f.volumes[v.Name] = cp
	return cp.DeepCopy(), nil
}

func (f *fakeVolumeCRClient) UpdateStatus(_ context.Context, v *storagev1.Volume, _ metav1.UpdateOptions) (*storagev1.Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.volumes[v.Name]
	if !ok {
		return nil, apierrors.NewNotFound(volumeGR, v.Name)
	}
	cp := cur.DeepCopy()
	cp.Status = v.Status
	f.volumes[v.Name] = cp
	return cp.DeepCopy(), nil
}

func (f *fakeVolumeCRClient) Delete(_ context.Context, name string, _ metav1.DeleteOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.volumes[name]; !ok {
		return apierrors.NewNotFound(volumeGR, name)
	}
	delete(f.volumes, name)
	return nil
}

func (f *fakeVolumeCRClient) Get(_ context.Context, name string, _ metav1.GetOptions) (*storagev1.Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.volumes[name]
	if !ok {
		return nil, apierrors.NewNotFound(volumeGR, name)
	}
	return cur.DeepCopy(), nil
}

func (f *fakeVolumeCRClient) List(_ metav1.ListOptions) (*storagev1.VolumeList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := &storagev1.VolumeList{}
	for _, v := range f.volumes {
		list.Items = append(list.Items, *v.DeepCopy())
	}
	return list, nil
}

func (f *fakeVolumeCRClient) Watch(_ metav1.ListOptions) (watch.Interface, error) {
	return watch.NewFake(), nil
}

type fakeRecoveryStore struct{}

func (fakeRecoveryStore) FilterReplicas(_ context.Context, _ string, candidates []store.ReplicaCandidate) ([]store.ReplicaCandidate, error) {
	return candidates, nil
}
func (fakeRecoveryStore) Put(context.Context, string, store.NexusRecord) error { return nil }
func (fakeRecoveryStore) DestroyNexus(context.Context, string) error          { return nil }
func (fakeRecoveryStore) Close() error                                        { return nil }

func newTestManager() *volume.Manager {
	return volume.NewManager(newTestRegistry(), fakeRecoveryStore{})
}

func TestVolumeReconcilerUpsertCRCreatesThenStatusOnly(t *testing.T) {
	mgr := newTestManager()
	client := newFakeVolumeCRClient()
	r := NewVolumeReconciler(client, mgr)
	ctx := context.Background()

	v := mgr.ImportVolume("v1", volume.Spec{ReplicaCount: 1, RequiredBytes: 1024}, volume.Status{Phase: base.VolumeHealthy})

	require.NoError(t, r.upsertCR(ctx, v))
	cr, err := client.Get(ctx, "v1", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, cr.Spec.ReplicaCount)

	// Mutate spec directly in-store to prove a second upsertCR call only
	// rewrites Status, never clobbering a manually edited Spec field.
	stored, err := client.Get(ctx, "v1", metav1.GetOptions{})
	require.NoError(t, err)
	stored.Spec.StorageClass = "manually-set"
	_, err = client.Update(ctx, stored, metav1.UpdateOptions{})
	require.NoError(t, err)

	require.NoError(t, r.upsertCR(ctx, v))
	cr, err = client.Get(ctx, "v1", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "manually-set", cr.Spec.StorageClass)
}

func TestVolumeReconcilerCREventAddedImportsUnknownVolume(t *testing.T) {
	mgr := newTestManager()
	client := newFakeVolumeCRClient()
	r := NewVolumeReconciler(client, mgr)

	cr := &storagev1.Volume{
		ObjectMeta: metav1.ObjectMeta{Name: "v2"},
		Spec:       storagev1.VolumeSpec{ReplicaCount: 2, RequiredBytes: 2048},
		Status:     storagev1.VolumeStatus{Phase: storagev1.VolumePending},
	}
	r.reconcileCREvent(context.Background(), watch.Added, cr)

	v, ok := mgr.GetVolume("v2")
	require.True(t, ok)
	assert.Equal(t, 2, v.Spec().ReplicaCount)
	assert.Equal(t, base.VolumePending, v.Status().Phase)
}

func TestVolumeReconcilerCREventDeletedDestroysVolume(t *testing.T) {
	mgr := newTestManager()
	client := newFakeVolumeCRClient()
	r := NewVolumeReconciler(client, mgr)
	ctx := context.Background()

	mgr.ImportVolume("v3", volume.Spec{ReplicaCount: 1, RequiredBytes: 1024}, volume.Status{Phase: base.VolumeHealthy})

	cr := &storagev1.Volume{ObjectMeta: metav1.ObjectMeta{Name: "v3"}}
	r.reconcileCREvent(ctx, watch.Deleted, cr)

	_, ok := mgr.GetVolume("v3")
	assert.False(t, ok)
}

func TestSpecsEqual(t *testing.T) {
	a := storagev1.VolumeSpec{ReplicaCount: 2, PreferredNodes: []string{"b", "a"}}
	b := storagev1.VolumeSpec{ReplicaCount: 2, PreferredNodes: []string{"b", "a"}}
	assert.True(t, specsEqual(a, b))

	c := storagev1.VolumeSpec{ReplicaCount: 3, PreferredNodes: []string{"b", "a"}}
	assert.False(t, specsEqual(a, c))
}
