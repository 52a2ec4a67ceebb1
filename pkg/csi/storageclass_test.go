package csi

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/blockpool-io/csi-controller/pkg/base"
)

var _ = Describe("parseStorageClassParams", func() {
	It("requires a protocol parameter", func() {
		_, err := parseStorageClassParams(map[string]string{})
		Expect(err).To(HaveOccurred())
	})

	It("rejects an unrecognized protocol", func() {
		_, err := parseStorageClassParams(map[string]string{paramProtocol: "smb"})
		Expect(err).To(HaveOccurred())
	})

	It("defaults replica count to 1 and canonicalizes the protocol", func() {
		out, err := parseStorageClassParams(map[string]string{paramProtocol: "nbd"})
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Protocol).To(Equal(base.NexusShareNBD))
		Expect(out.ReplicaCount).To(Equal(defaultReplicaCount))
	})

	It("parses an explicit replica count", func() {
		out, err := parseStorageClassParams(map[string]string{
			paramProtocol:  "iscsi",
			paramReplCount: "3",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(out.ReplicaCount).To(Equal(3))
	})

	It("rejects a non-positive replica count", func() {
		_, err := parseStorageClassParams(map[string]string{
			paramProtocol:  "iscsi",
			paramReplCount: "0",
		})
		Expect(err).To(HaveOccurred())
	})

	It("parses the local truthy flag", func() {
		out, err := parseStorageClassParams(map[string]string{
			paramProtocol: "nvmf",
			paramLocal:    "true",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Local).To(BeTrue())
	})

	It("rejects ioTimeout outside of protocol=nvmf", func() {
		_, err := parseStorageClassParams(map[string]string{
			paramProtocol:  "iscsi",
			paramIOTimeout: "30",
		})
		Expect(err).To(HaveOccurred())
	})

	It("accepts ioTimeout with protocol=nvmf", func() {
		out, err := parseStorageClassParams(map[string]string{
			paramProtocol:  "nvmf",
			paramIOTimeout: "30",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(out.IOTimeout).To(Equal(30))
	})

	It("rejects a non-integer ioTimeout", func() {
		_, err := parseStorageClassParams(map[string]string{
			paramProtocol:  "nvmf",
			paramIOTimeout: "soon",
		})
		Expect(err).To(HaveOccurred())
	})
})
