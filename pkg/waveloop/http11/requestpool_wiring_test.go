package http11

import "testing"

// fakeRequestPool is a trivial RequestPool for exercising SetRequestPool's
// wiring into GetRequest/PutRequest without depending on package reqpool
// (which itself imports http11 — a test-only dependency here would be an
// import cycle).
type fakeRequestPool struct {
	acquired int
	released int
	last     *Request
}

func (f *fakeRequestPool) AcquireRequest() *Request {
	f.acquired++
	f.last = &Request{}
	return f.last
}

func (f *fakeRequestPool) ReleaseRequest(r *Request) {
	f.released++
}

func TestSetRequestPoolRoutesGetPutRequest(t *testing.T) {
	fake := &fakeRequestPool{}
	SetRequestPool(fake)
	defer SetRequestPool(nil)

	req := GetRequest()
	if req != fake.last {
		t.Fatal("GetRequest did not return the pool's acquired request")
	}
	if fake.acquired != 1 {
		t.Errorf("acquired = %d, want 1", fake.acquired)
	}

	PutRequest(req)
	if fake.released != 1 {
		t.Errorf("released = %d, want 1", fake.released)
	}
}

func TestGetRequestFallsBackWithoutPool(t *testing.T) {
	SetRequestPool(nil)

	req := GetRequest()
	if req == nil {
		t.Fatal("GetRequest returned nil with no pool installed")
	}
	PutRequest(req)
}

func TestRequestResetClearsUserValue(t *testing.T) {
	req := &Request{}
	req.UserValue = "pending-upgrade-config"

	req.Reset()

	if req.UserValue != nil {
		t.Errorf("UserValue survived Reset: %v", req.UserValue)
	}
}
