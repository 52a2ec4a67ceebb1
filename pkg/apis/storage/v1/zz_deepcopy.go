package v1

import "k8s.io/apimachinery/pkg/runtime"

// Hand-written in place of deepcopy-gen output: this repo's build does not
// run code generation, so these methods are maintained by hand alongside the
// types they copy.

// DeepCopyInto copies every field of n into out.
func (n *NodeSpec) DeepCopyInto(out *NodeSpec) {
	*out = *n
}

// DeepCopy returns a deep copy of n.
func (n *NodeSpec) DeepCopy() *NodeSpec {
	if n == nil {
		return nil
	}
	out := new(NodeSpec)
	n.DeepCopyInto(out)
	return out
}

func (s *NodeStatus) DeepCopyInto(out *NodeStatus) {
	*out = *s
	s.LastSyncTime.DeepCopyInto(&out.LastSyncTime)
}

func (s *NodeStatus) DeepCopy() *NodeStatus {
	if s == nil {
		return nil
	}
	out := new(NodeStatus)
	s.DeepCopyInto(out)
	return out
}

func (n *Node) DeepCopyInto(out *Node) {
	*out = *n
	out.TypeMeta = n.TypeMeta
	n.ObjectMeta.DeepCopyInto(&out.ObjectMeta)
	n.Spec.DeepCopyInto(&out.Spec)
	n.Status.DeepCopyInto(&out.Status)
}

func (n *Node) DeepCopy() *Node {
	if n == nil {
		return nil
	}
	out := new(Node)
	n.DeepCopyInto(out)
	return out
}

// DeepCopyObject implements runtime.Object.
func (n *Node) DeepCopyObject() runtime.Object {
	return n.DeepCopy()
}

func (l *NodeList) DeepCopyInto(out *NodeList) {
	*out = *l
	out.TypeMeta = l.TypeMeta
	l.ListMeta.DeepCopyInto(&out.ListMeta)
	if l.Items != nil {
		out.Items = make([]Node, len(l.Items))
		for i := range l.Items {
			l.Items[i].DeepCopyInto(&out.Items[i])
		}
	}
}

func (l *NodeList) DeepCopy() *NodeList {
	if l == nil {
		return nil
	}
	out := new(NodeList)
	l.DeepCopyInto(out)
	return out
}

// DeepCopyObject implements runtime.Object.
func (l *NodeList) DeepCopyObject() runtime.Object {
	return l.DeepCopy()
}

func (s *VolumeSpec) DeepCopyInto(out *VolumeSpec) {
	*out = *s
	out.PreferredNodes = append([]string(nil), s.PreferredNodes...)
	out.RequiredNodes = append([]string(nil), s.RequiredNodes...)
	if s.Parameters != nil {
		out.Parameters = make(map[string]string, len(s.Parameters))
		for k, v := range s.Parameters {
			out.Parameters[k] = v
		}
	}
}

func (s *VolumeSpec) DeepCopy() *VolumeSpec {
	if s == nil {
		return nil
	}
	out := new(VolumeSpec)
	s.DeepCopyInto(out)
	return out
}

func (s *VolumeStatus) DeepCopyInto(out *VolumeStatus) {
	*out = *s
	out.TargetNodes = append([]string(nil), s.TargetNodes...)
	if s.Replicas != nil {
		out.Replicas = make([]VolumeReplica, len(s.Replicas))
		copy(out.Replicas, s.Replicas)
	}
}

func (s *VolumeStatus) DeepCopy() *VolumeStatus {
	if s == nil {
		return nil
	}
	out := new(VolumeStatus)
	s.DeepCopyInto(out)
	return out
}

func (v *Volume) DeepCopyInto(out *Volume) {
	*out = *v
	out.TypeMeta = v.TypeMeta
	v.ObjectMeta.DeepCopyInto(&out.ObjectMeta)
	v.Spec.DeepCopyInto(&out.Spec)
	v.Status.DeepCopyInto(&out.Status)
}

func (v *Volume) DeepCopy() *Volume {
	if v == nil {
		return nil
	}
	out := new(Volume)
	v.DeepCopyInto(out)
	return out
}

// DeepCopyObject implements runtime.Object.
func (v *Volume) DeepCopyObject() runtime.Object {
	return v.DeepCopy()
}

func (l *VolumeList) DeepCopyInto(out *VolumeList) {
	*out = *l
	out.TypeMeta = l.TypeMeta
	l.ListMeta.DeepCopyInto(&out.ListMeta)
	if l.Items != nil {
		out.Items = make([]Volume, len(l.Items))
		for i := range l.Items {
			l.Items[i].DeepCopyInto(&out.Items[i])
		}
	}
}

func (l *VolumeList) DeepCopy() *VolumeList {
	if l == nil {
		return nil
	}
	out := new(VolumeList)
	l.DeepCopyInto(out)
	return out
}

// DeepCopyObject implements runtime.Object.
func (l *VolumeList) DeepCopyObject() runtime.Object {
	return l.DeepCopy()
}
