package csi

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("pagingStore", func() {
	It("treats an empty token as the start of the listing", func() {
		p := newPagingStore()
		cursor, ok := p.resolve("")
		Expect(ok).To(BeTrue())
		Expect(cursor).To(Equal(0))
	})

	It("round-trips a cursor through a new token", func() {
		p := newPagingStore()
		token := p.newToken(42)
		Expect(token).NotTo(BeEmpty())

		cursor, ok := p.resolve(token)
		Expect(ok).To(BeTrue())
		Expect(cursor).To(Equal(42))
	})

	It("rejects an unknown token", func() {
		p := newPagingStore()
		_, ok := p.resolve("not-a-real-token")
		Expect(ok).To(BeFalse())
	})

	It("forgets a discarded token", func() {
		p := newPagingStore()
		token := p.newToken(7)
		p.discard(token)

		_, ok := p.resolve(token)
		Expect(ok).To(BeFalse())
	})

	It("hands out distinct tokens for successive pages", func() {
		p := newPagingStore()
		a := p.newToken(0)
		b := p.newToken(10)
		Expect(a).NotTo(Equal(b))
	})
})
