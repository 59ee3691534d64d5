package nonce

import (
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/trellisca/trellis/test"
)

func newTestNonceService(t *testing.T) *NonceService {
	t.Helper()
	ns, err := NewNonceService(prometheus.NewRegistry(), 0)
	test.AssertNotError(t, err, "Could not create nonce service")
	return ns
}

func TestValidNonce(t *testing.T) {
	ns := newTestNonceService(t)
	n, err := ns.Nonce()
	test.AssertNotError(t, err, "Could not create nonce")
	test.Assert(t, ns.Valid(n), fmt.Sprintf("Did not recognize fresh nonce %s", n))
}

func TestAlreadyUsed(t *testing.T) {
	ns := newTestNonceService(t)
	n, err := ns.Nonce()
	test.AssertNotError(t, err, "Could not create nonce")
	test.Assert(t, ns.Valid(n), "Did not recognize fresh nonce")
	test.Assert(t, !ns.Valid(n), "Recognized the same nonce twice")
}

func TestRejectMalformed(t *testing.T) {
	ns := newTestNonceService(t)
	n, err := ns.Nonce()
	test.AssertNotError(t, err, "Could not create nonce")
	test.Assert(t, !ns.Valid("asdf"+n), "Accepted an invalid nonce")
}

func TestRejectShort(t *testing.T) {
	ns := newTestNonceService(t)
	test.Assert(t, !ns.Valid("aGkK"), "Accepted an invalid nonce")
}

func TestRejectUnknown(t *testing.T) {
	ns1 := newTestNonceService(t)
	ns2 := newTestNonceService(t)

	n, err := ns1.Nonce()
	test.AssertNotError(t, err, "Could not create nonce")
	test.Assert(t, !ns2.Valid(n), "Accepted a foreign nonce")
}

func TestRejectTooLate(t *testing.T) {
	ns := newTestNonceService(t)

	ns.latest = 2
	n, err := ns.Nonce()
	test.AssertNotError(t, err, "Could not create nonce")
	ns.latest = 1
	test.Assert(t, !ns.Valid(n), "Accepted a nonce with a too-high counter")
}

func TestRejectTooEarly(t *testing.T) {
	ns := newTestNonceService(t)
	ns.maxUsed = 2

	n0, err := ns.Nonce()
	test.AssertNotError(t, err, "Could not create nonce")
	n1, err := ns.Nonce()
	test.AssertNotError(t, err, "Could not create nonce")
	n2, err := ns.Nonce()
	test.AssertNotError(t, err, "Could not create nonce")
	n3, err := ns.Nonce()
	test.AssertNotError(t, err, "Could not create nonce")

	test.Assert(t, ns.Valid(n3), "Rejected a valid nonce")
	test.Assert(t, ns.Valid(n2), "Rejected a valid nonce")
	test.Assert(t, ns.Valid(n1), "Rejected a valid nonce")
	test.Assert(t, !ns.Valid(n0), "Accepted a nonce that we should have forgotten")
}

// TestConcurrentRedemption redeems the same nonce from many goroutines and
// requires that exactly one of them wins.
func TestConcurrentRedemption(t *testing.T) {
	ns := newTestNonceService(t)
	n, err := ns.Nonce()
	test.AssertNotError(t, err, "Could not create nonce")

	const workers = 32
	results := make(chan bool, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- ns.Valid(n)
		}()
	}
	wg.Wait()
	close(results)

	var wins int
	for ok := range results {
		if ok {
			wins++
		}
	}
	test.AssertEquals(t, wins, 1)
}

func BenchmarkGeneration(b *testing.B) {
	ns, err := NewNonceService(prometheus.NewRegistry(), 0)
	if err != nil {
		b.Fatal(err)
	}
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_, err := ns.Nonce()
			if err != nil {
				b.Error(err)
			}
		}
	})
}

func BenchmarkValidation(b *testing.B) {
	ns, err := NewNonceService(prometheus.NewRegistry(), 0)
	if err != nil {
		b.Fatal(err)
	}
	for i := 0; i < MaxUsed; i++ {
		_, err := ns.Nonce()
		if err != nil {
			b.Error(err)
		}
	}
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			nonce, err := ns.Nonce()
			if err != nil {
				b.Error(err)
			}
			_ = ns.Valid(nonce)
		}
	})
}
