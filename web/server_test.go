package web

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	blog "github.com/trellisca/trellis/log"
	"github.com/trellisca/trellis/test"
)

func TestNewServer(t *testing.T) {
	srv := NewServer(":0", nil, blog.NewMock())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		err := srv.ListenAndServe()
		test.Assert(t, errors.Is(err, http.ErrServerClosed), "Could not start server")
		wg.Done()
	}()

	err := srv.Shutdown(context.TODO())
	test.AssertNotError(t, err, "Could not shut down server")
	wg.Wait()
}

func TestUnorderedShutdownIsFine(t *testing.T) {
	srv := NewServer(":0", nil, blog.NewMock())
	err := srv.Shutdown(context.TODO())
	test.AssertNotError(t, err, "Could not shut down server")
	err = srv.ListenAndServe()
	test.Assert(t, errors.Is(err, http.ErrServerClosed), "Could not start server")
}

func TestRelativeEndpoint(t *testing.T) {
	req, err := http.NewRequest("GET", "/directory", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Host = "ca.example.com"

	test.AssertEquals(t,
		RelativeEndpoint(req, "/acme/acct/", "123"),
		"http://ca.example.com/acme/acct/123")

	req.Header.Set("X-Forwarded-Proto", "https")
	test.AssertEquals(t,
		RelativeEndpoint(req, "/acme/order/", "123", "456"),
		"https://ca.example.com/acme/order/123/456")

	req.Host = ""
	test.AssertEquals(t,
		RelativeEndpoint(req, "/directory"),
		"https://localhost/directory")
}
