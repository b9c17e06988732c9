package uds

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vecutools/vecu/pkg/isotp"
)

// ReadySignal is the single byte datagram the answering machine emits
// once its transport is operational, so a test driver knows it can
// start talking.
const ReadySignal byte = 0xAA

// Transport moves whole diagnostic messages. Both the userspace ISO-TP
// socket and the kernel-backed one satisfy it.
type Transport interface {
	Send(ctx context.Context, payload []byte) error
	Recv(ctx context.Context) ([]byte, error)
}

// State is the mutable ECU state rules match against and mutate.
type State struct {
	Session       byte
	SecurityLevel byte
}

// Rule is one entry of the response table. Rules are consulted in the
// order they were added and the first match wins.
type Rule struct {
	// Sessions restricts the rule to these diagnostic sessions. Empty
	// means any session.
	Sessions []byte

	// SecurityLevels restricts the rule to these unlocked levels.
	// Empty means any level.
	SecurityLevels []byte

	// Match decides whether the rule answers this request. Nil matches
	// every request, which makes catch-all rules possible.
	Match func(request []byte, state *State) bool

	// Respond produces the response payloads. Nil or an empty return
	// answers with silence.
	Respond func(request []byte, state *State) [][]byte

	// Apply mutates the ECU state after the responses are produced,
	// for rules that switch sessions or unlock security levels.
	Apply func(state *State)
}

func (r *Rule) matches(request []byte, state *State) bool {
	if len(r.Sessions) > 0 && !containsByte(r.Sessions, state.Session) {
		return false
	}
	if len(r.SecurityLevels) > 0 && !containsByte(r.SecurityLevels, state.SecurityLevel) {
		return false
	}
	if r.Match != nil && !r.Match(request, state) {
		return false
	}
	return true
}

func containsByte(haystack []byte, needle byte) bool {
	for _, b := range haystack {
		if b == needle {
			return true
		}
	}
	return false
}

// AnsweringMachine answers diagnostic requests from a rule table, the
// way a bench ECU would. Requests no rule claims get a
// serviceNotSupported negative response.
type AnsweringMachine struct {
	mu    sync.Mutex
	rules []Rule
	state State

	// MaxRequests stops Run after that many answered requests. 0 keeps
	// it running until the idle timeout hits.
	MaxRequests int

	// OnExchange observes every request with the responses it
	// produced.
	OnExchange func(request []byte, responses [][]byte)

	// OnError observes transport errors that did not stop the machine,
	// like an aborted transfer on the bus.
	OnError func(error)
}

// NewAnsweringMachine builds a machine starting in the default session
// with no security level unlocked.
func NewAnsweringMachine(rules ...Rule) *AnsweringMachine {
	return &AnsweringMachine{
		rules: rules,
		state: State{Session: SessionDefault},
	}
}

// AddRule appends a rule to the table. Later rules only see requests no
// earlier rule matched.
func (am *AnsweringMachine) AddRule(r Rule) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.rules = append(am.rules, r)
}

// State returns a snapshot of the current ECU state.
func (am *AnsweringMachine) State() State {
	am.mu.Lock()
	defer am.mu.Unlock()
	return am.state
}

// Handle runs one request through the rule table and returns the
// responses to transmit. Zero length requests are ignored.
func (am *AnsweringMachine) Handle(request []byte) [][]byte {
	if len(request) == 0 {
		return nil
	}
	am.mu.Lock()
	defer am.mu.Unlock()
	for i := range am.rules {
		r := &am.rules[i]
		if !r.matches(request, &am.state) {
			continue
		}
		var responses [][]byte
		if r.Respond != nil {
			responses = r.Respond(request, &am.state)
		}
		if r.Apply != nil {
			r.Apply(&am.state)
		}
		return responses
	}
	return [][]byte{Negative(request[0], NRCServiceNotSupported)}
}

// Run serves requests until the bus has been idle for idleTimeout,
// which is the normal way a bench session ends and returns nil. The
// context cancels it the same clean way. Aborted transfers are
// reported and survived; a closed transport is fatal.
func (am *AnsweringMachine) Run(ctx context.Context, tp Transport, idleTimeout time.Duration) error {
	if err := tp.Send(ctx, []byte{ReadySignal}); err != nil {
		return fmt.Errorf("uds: announce readiness: %w", err)
	}
	answered := 0
	for {
		rctx := ctx
		cancel := func() {}
		if idleTimeout > 0 {
			rctx, cancel = context.WithTimeout(ctx, idleTimeout)
		}
		request, err := tp.Recv(rctx)
		cancel()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, context.DeadlineExceeded):
				return nil
			case errors.Is(err, isotp.ErrSocketClosed):
				return err
			default:
				if am.OnError != nil {
					am.OnError(err)
				}
				continue
			}
		}
		responses := am.Handle(request)
		if am.OnExchange != nil {
			am.OnExchange(request, responses)
		}
		for _, resp := range responses {
			if err := tp.Send(ctx, resp); err != nil {
				return fmt.Errorf("uds: send response: %w", err)
			}
		}
		answered++
		if am.MaxRequests > 0 && answered >= am.MaxRequests {
			return nil
		}
	}
}

// DefaultRules is the response table of the demo ECU: tester present,
// the identifier table behind ReadDataByIdentifier, and a session
// control that always denies.
func DefaultRules() []Rule {
	return []Rule{
		TesterPresentRule(),
		ReadDataByIdentifierRule(DefaultIdentifiers()),
		{
			Match: func(request []byte, _ *State) bool {
				return request[0] == ServiceDiagnosticSessionControl
			},
			Respond: func(request []byte, _ *State) [][]byte {
				return [][]byte{Negative(ServiceDiagnosticSessionControl, NRCSecurityAccessDenied)}
			},
		},
	}
}

// TesterPresentRule answers 3E with 7E, honoring the suppress positive
// response bit.
func TesterPresentRule() Rule {
	return Rule{
		Match: func(request []byte, _ *State) bool {
			return request[0] == ServiceTesterPresent
		},
		Respond: func(request []byte, _ *State) [][]byte {
			var sub byte
			if len(request) > 1 {
				if request[1]&0x80 != 0 {
					return nil
				}
				sub = request[1] & 0x7F
			}
			return [][]byte{{ServiceTesterPresent + ResponseOffset, sub}}
		},
	}
}

// ReadDataByIdentifierRule serves 22 requests from an identifier table.
// Unknown identifiers are rejected with requestOutOfRange rather than
// falling through to the service-level default.
func ReadDataByIdentifierRule(identifiers map[uint16][]byte) Rule {
	return Rule{
		Match: func(request []byte, _ *State) bool {
			return request[0] == ServiceReadDataByIdentifier
		},
		Respond: func(request []byte, _ *State) [][]byte {
			if len(request) != 3 {
				return [][]byte{Negative(ServiceReadDataByIdentifier, NRCIncorrectMessageLength)}
			}
			did := uint16(request[1])<<8 | uint16(request[2])
			value, ok := identifiers[did]
			if !ok {
				return [][]byte{Negative(ServiceReadDataByIdentifier, NRCRequestOutOfRange)}
			}
			resp := make([]byte, 0, 3+len(value))
			resp = append(resp, ServiceReadDataByIdentifier+ResponseOffset, request[1], request[2])
			resp = append(resp, value...)
			return [][]byte{resp}
		},
	}
}
