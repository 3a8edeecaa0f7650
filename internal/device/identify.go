package device

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sethvargo/go-retry"

	"github.com/buckleypaul/molt/internal/backoff"
	"github.com/buckleypaul/molt/internal/catalog"
	"github.com/buckleypaul/molt/internal/mpversion"
)

// introspectSnippet prints one JSON line describing the running firmware.
// It only reads interpreter state.
const introspectSnippet = `import sys, json
i = sys.implementation
m = getattr(i, '_machine', '')
v = sys.version.split(';')[-1].split(' on ')[0].strip().split(' ')[-1]
print(json.dumps({'family': i.name, 'version': v, 'machine': m, 'build_id': getattr(i, '_build', ''), 'port': sys.platform, 'cpu': m.split(' with ')[-1] if ' with ' in m else ''}))`

type introReport struct {
	Family  string `json:"family"`
	Version string `json:"version"`
	Machine string `json:"machine"`
	BuildID string `json:"build_id"`
	Port    string `json:"port"`
	CPU     string `json:"cpu"`
}

// BoardResolver maps a firmware-reported description to a known board
// when the firmware does not report a board id directly. *catalog.Index
// satisfies it.
type BoardResolver interface {
	BoardByDescription(ctx context.Context, descr, version string) (catalog.Board, error)
}

type evalSession interface {
	Eval(ctx context.Context, code string) (string, error)
	Close() error
}

// Identifier obtains a board's self-reported identity over its serial
// port.
type Identifier struct {
	resolver BoardResolver
	pol      backoff.Policy
	dial     func(addr string) (evalSession, error)
}

// NewIdentifier returns an identifier that retries flaky transports per
// pol and falls back to resolver for firmwares that report no board id.
func NewIdentifier(resolver BoardResolver, pol backoff.Policy) *Identifier {
	return &Identifier{
		resolver: resolver,
		pol:      pol,
		dial:     func(addr string) (evalSession, error) { return Dial(addr) },
	}
}

// Identify queries the board on addr for its identity. It never returns
// a partially filled board: a malformed or incomplete report yields
// IdentificationError. The device state is left unchanged.
func (id *Identifier) Identify(ctx context.Context, addr string) (ConnectedBoard, error) {
	var out string
	err := id.pol.Retry(ctx, func(ctx context.Context) error {
		s, err := id.dial(addr)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer s.Close()

		out, err = s.Eval(ctx, introspectSnippet)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return ConnectedBoard{}, &IdentificationError{Address: addr, Err: err}
	}

	board, err := id.parseReport(ctx, addr, out)
	if err != nil {
		return ConnectedBoard{}, &IdentificationError{Address: addr, Err: err}
	}
	return board, nil
}

func (id *Identifier) parseReport(ctx context.Context, addr, out string) (ConnectedBoard, error) {
	var rep introReport
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		return ConnectedBoard{}, fmt.Errorf("unparseable identity report %q: %w", out, err)
	}
	if rep.Version == "" || rep.Port == "" {
		return ConnectedBoard{}, fmt.Errorf("incomplete identity report %q", out)
	}
	v, err := mpversion.Parse(rep.Version)
	if err != nil {
		return ConnectedBoard{}, fmt.Errorf("identity version: %w", err)
	}

	b := ConnectedBoard{
		Address:     addr,
		Family:      rep.Family,
		PortFamily:  normalizePort(rep.Port),
		Version:     v,
		Build:       mpversion.ParseBuild(rep.Version),
		CPU:         rep.CPU,
		Description: rep.Machine,
	}
	if rep.BuildID != "" {
		b.BoardID, b.Variant, _ = strings.Cut(rep.BuildID, "-")
	} else if id.resolver != nil && rep.Machine != "" {
		known, err := id.resolver.BoardByDescription(ctx, rep.Machine, rep.Version)
		if err != nil {
			return ConnectedBoard{}, fmt.Errorf("resolve board description: %w", err)
		}
		b.BoardID = known.BoardID
	}
	if b.BoardID == "" {
		return ConnectedBoard{}, fmt.Errorf("identity report names no board")
	}
	return b, nil
}

func normalizePort(p string) string {
	if strings.HasPrefix(p, "pyb") {
		return PortSTM32
	}
	return p
}
