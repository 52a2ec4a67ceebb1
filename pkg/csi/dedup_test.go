package csi

import (
	"errors"
	"sync"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("dedupCache", func() {
	It("runs a call once and returns the same result to a concurrent duplicate", func() {
		c := newDedupCache()

		started := make(chan struct{})
		release := make(chan struct{})
		calls := 0
		var mu sync.Mutex

		fn := func() (interface{}, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			close(started)
			<-release
			return "result", nil
		}

		type reply struct {
			val interface{}
			err error
		}
		results := make(chan reply, 2)

		go func() {
			v, err := c.do("CreateVolume", map[string]string{"name": "v1"}, fn)
			results <- reply{v, err}
		}()
		<-started

		go func() {
			v, err := c.do("CreateVolume", map[string]string{"name": "v1"}, func() (interface{}, error) {
				Fail("duplicate call must not invoke fn again")
				return nil, nil
			})
			results <- reply{v, err}
		}()

		close(release)

		first := <-results
		second := <-results

		Expect(first.err).NotTo(HaveOccurred())
		Expect(second.err).NotTo(HaveOccurred())
		Expect(first.val).To(Equal("result"))
		Expect(second.val).To(Equal("result"))

		mu.Lock()
		defer mu.Unlock()
		Expect(calls).To(Equal(1))
	})

	It("keys distinct methods separately even with identical arguments", func() {
		c := newDedupCache()
		args := map[string]string{"name": "v1"}

		calls := 0
		fn := func() (interface{}, error) {
			calls++
			return calls, nil
		}

		v1, err := c.do("CreateVolume", args, fn)
		Expect(err).NotTo(HaveOccurred())
		v2, err := c.do("DeleteVolume", args, fn)
		Expect(err).NotTo(HaveOccurred())

		Expect(v1).NotTo(Equal(v2))
		Expect(calls).To(Equal(2))
	})

	It("propagates an error from fn and clears the entry afterward", func() {
		c := newDedupCache()
		wantErr := errors.New("boom")

		_, err := c.do("CreateVolume", "req", func() (interface{}, error) {
			return nil, wantErr
		})
		Expect(err).To(Equal(wantErr))

		calls := 0
		_, err = c.do("CreateVolume", "req", func() (interface{}, error) {
			calls++
			return "ok", nil
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(calls).To(Equal(1))
	})
})
