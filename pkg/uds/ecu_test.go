package uds

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vecutools/vecu"
	"github.com/vecutools/vecu/pkg/isotp"
)

// chanTransport is an in-memory Transport for machine-level tests.
type chanTransport struct {
	in  chan []byte
	out chan []byte
}

func newChanTransport() *chanTransport {
	return &chanTransport{in: make(chan []byte, 8), out: make(chan []byte, 8)}
}

func (c *chanTransport) Send(ctx context.Context, payload []byte) error {
	select {
	case c.out <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *chanTransport) Recv(ctx context.Context) ([]byte, error) {
	select {
	case p := <-c.in:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func handleOne(t *testing.T, am *AnsweringMachine, request, want []byte) {
	t.Helper()
	responses := am.Handle(request)
	if len(responses) != 1 {
		t.Fatalf("Handle(% X) produced %d responses, want 1", request, len(responses))
	}
	if !bytes.Equal(responses[0], want) {
		t.Fatalf("Handle(% X) = % X, want % X", request, responses[0], want)
	}
}

func TestDefaultRules(t *testing.T) {
	am := NewAnsweringMachine(DefaultRules()...)

	handleOne(t, am, []byte{0x22, 0x12, 0x34},
		[]byte{0x62, 0x12, 0x34, 0x64, 0x65, 0x61, 0x64, 0x62, 0x65, 0x65, 0x66})
	handleOne(t, am, []byte{0x10, 0x01}, []byte{0x7F, 0x10, 0x33})
	handleOne(t, am, []byte{0x3E, 0x00}, []byte{0x7E, 0x00})

	// Unclaimed service falls back to serviceNotSupported.
	handleOne(t, am, []byte{0x11, 0x01}, []byte{0x7F, 0x11, 0x11})

	// Known service, unknown record.
	handleOne(t, am, []byte{0x22, 0xAB, 0xCD}, []byte{0x7F, 0x22, 0x31})

	// Malformed read length.
	handleOne(t, am, []byte{0x22, 0x12}, []byte{0x7F, 0x22, 0x13})

	if got := am.Handle(nil); got != nil {
		t.Fatalf("Handle(nil) = %v, want nil", got)
	}

	if got := am.Handle([]byte{0x3E, 0x80}); len(got) != 0 {
		t.Fatalf("suppressed tester present still answered % X", got)
	}
}

func TestHandleIsDeterministic(t *testing.T) {
	am := NewAnsweringMachine(DefaultRules()...)
	req := []byte{0x22, 0x12, 0x34}
	first := am.Handle(req)
	for i := 0; i < 10; i++ {
		if got := am.Handle(req); !bytes.Equal(got[0], first[0]) {
			t.Fatalf("iteration %d answered % X, first answer was % X", i, got[0], first[0])
		}
	}
}

func TestFirstMatchWins(t *testing.T) {
	am := NewAnsweringMachine(
		Rule{
			Match:   func(req []byte, _ *State) bool { return req[0] == 0x22 },
			Respond: func(req []byte, _ *State) [][]byte { return [][]byte{{0x62, 0x01}} },
		},
		Rule{
			Match:   func(req []byte, _ *State) bool { return req[0] == 0x22 },
			Respond: func(req []byte, _ *State) [][]byte { return [][]byte{{0x62, 0x02}} },
		},
	)
	handleOne(t, am, []byte{0x22, 0x12, 0x34}, []byte{0x62, 0x01})
}

func TestRuleSessionGate(t *testing.T) {
	secret := []byte{0x62, 0xF1, 0x00, 0x42}
	am := NewAnsweringMachine(
		Rule{
			Match: func(req []byte, _ *State) bool {
				return len(req) == 2 && req[0] == ServiceDiagnosticSessionControl && req[1] == SessionExtended
			},
			Respond: func(req []byte, _ *State) [][]byte {
				return [][]byte{{0x50, SessionExtended}}
			},
			Apply: func(st *State) { st.Session = SessionExtended },
		},
		Rule{
			Sessions: []byte{SessionExtended},
			Match:    func(req []byte, _ *State) bool { return req[0] == ServiceReadDataByIdentifier },
			Respond:  func(req []byte, _ *State) [][]byte { return [][]byte{secret} },
		},
	)

	// Gated rule is invisible in the default session.
	handleOne(t, am, []byte{0x22, 0xF1, 0x00}, []byte{0x7F, 0x22, 0x11})

	handleOne(t, am, []byte{0x10, 0x03}, []byte{0x50, 0x03})
	if st := am.State(); st.Session != SessionExtended {
		t.Fatalf("session = %02X after session control, want %02X", st.Session, SessionExtended)
	}

	handleOne(t, am, []byte{0x22, 0xF1, 0x00}, secret)
}

func TestRunAnnouncesAndAnswers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tp := newChanTransport()
	am := NewAnsweringMachine(DefaultRules()...)
	runErr := make(chan error, 1)
	go func() { runErr <- am.Run(ctx, tp, time.Second) }()

	ready := <-tp.out
	if !bytes.Equal(ready, []byte{ReadySignal}) {
		t.Fatalf("first transmission = % X, want readiness signal", ready)
	}

	tp.in <- []byte{0x22, 0x12, 0x34}
	if got := <-tp.out; !bytes.Equal(got, []byte{0x62, 0x12, 0x34, 0x64, 0x65, 0x61, 0x64, 0x62, 0x65, 0x65, 0x66}) {
		t.Fatalf("answered % X", got)
	}

	cancel()
	if err := <-runErr; err != nil {
		t.Fatalf("run after cancel: %v", err)
	}
}

func TestRunIdleTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tp := newChanTransport()
	am := NewAnsweringMachine(DefaultRules()...)

	start := time.Now()
	if err := am.Run(ctx, tp, 100*time.Millisecond); err != nil {
		t.Fatalf("idle shutdown should be clean, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("run returned after %s, before the idle window", elapsed)
	}
}

func TestRunMaxRequests(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tp := newChanTransport()
	am := NewAnsweringMachine(DefaultRules()...)
	am.MaxRequests = 1
	tp.in <- []byte{0x3E, 0x00}

	if err := am.Run(ctx, tp, time.Minute); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRunSurvivesTransferErrors(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var seen []error
	am := NewAnsweringMachine(DefaultRules()...)
	am.OnError = func(err error) { seen = append(seen, err) }
	am.MaxRequests = 1

	tp := &flakyTransport{
		chanTransport: newChanTransport(),
		failures:      []error{&isotp.SequenceError{Want: 1, Got: 3}},
	}
	tp.in <- []byte{0x3E, 0x00}

	if err := am.Run(ctx, tp, time.Minute); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(seen) != 1 {
		t.Fatalf("reported %d errors, want 1", len(seen))
	}
}

// flakyTransport fails Recv with each queued error before delegating.
type flakyTransport struct {
	*chanTransport
	failures []error
}

func (f *flakyTransport) Recv(ctx context.Context) ([]byte, error) {
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return nil, err
	}
	return f.chanTransport.Recv(ctx)
}

func TestAnsweringMachineOverISOTP(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	newClient := func(bus string) *vecu.Client {
		cl, err := vecu.New(ctx, "virtual", &vecu.AdapterConfig{Interface: bus})
		if err != nil {
			t.Fatalf("client: %v", err)
		}
		t.Cleanup(func() { cl.Close() })
		return cl
	}

	ecuSock, err := isotp.NewSocket(ctx, newClient("uds-e2e"), isotp.SocketConfig{RxID: 0x7a1, TxID: 0x7a9})
	if err != nil {
		t.Fatal(err)
	}
	defer ecuSock.Close()
	testerSock, err := isotp.NewSocket(ctx, newClient("uds-e2e"), isotp.SocketConfig{RxID: 0x7a9, TxID: 0x7a1})
	if err != nil {
		t.Fatal(err)
	}
	defer testerSock.Close()

	am := NewAnsweringMachine(DefaultRules()...)
	runErr := make(chan error, 1)
	go func() { runErr <- am.Run(ctx, ecuSock, 5*time.Second) }()

	client := NewClient(testerSock)

	record, err := client.ReadDataByIdentifier(ctx, DIDTestPattern)
	if err != nil {
		t.Fatalf("read data: %v", err)
	}
	if string(record) != "deadbeef" {
		t.Fatalf("record = %q, want deadbeef", record)
	}

	err = client.DiagnosticSessionControl(ctx, SessionDefault)
	var nr *NegativeResponseError
	if !errors.As(err, &nr) {
		t.Fatalf("session control err = %v, want *NegativeResponseError", err)
	}
	if nr.Service != ServiceDiagnosticSessionControl || nr.Code != NRCSecurityAccessDenied {
		t.Fatalf("negative response = %+v", nr)
	}

	if err := client.TesterPresent(ctx); err != nil {
		t.Fatalf("tester present: %v", err)
	}

	cancel()
	if err := <-runErr; err != nil {
		t.Fatalf("machine exit: %v", err)
	}
}
