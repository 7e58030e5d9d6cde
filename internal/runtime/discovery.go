package runtime

import (
	"bytes"
	"context"
	"slices"
	"strings"
	"time"

	"golang.org/x/text/encoding/unicode"

	"github.com/wkaandemir/branch-nexus/internal/errors"
	"github.com/wkaandemir/branch-nexus/internal/logging"
)

// ListDistributions asks wsl.exe, through host, for the installed
// distributions. The result is sorted and free of duplicates.
func ListDistributions(ctx context.Context, host Handle) ([]string, error) {
	res, err := host.Execute(ctx, Cmd(WSLExecutable, "-l", "-q"), Options{Timeout: 20 * time.Second})
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		return nil, errors.NewExecutionError("wsl distribution listing failed", nil).
			WithCommand(WSLExecutable + " -l -q").
			WithHint(strings.TrimSpace(decodeConsole([]byte(res.Stderr))))
	}
	return parseDistributions(decodeConsole([]byte(res.Stdout))), nil
}

// decodeConsole converts wsl.exe output, which is UTF-16LE on most hosts,
// to UTF-8. Plain UTF-8 input is returned unchanged.
func decodeConsole(raw []byte) string {
	utf16 := bytes.HasPrefix(raw, []byte{0xFF, 0xFE}) || bytes.IndexByte(raw, 0) >= 0
	if !utf16 {
		return string(raw)
	}
	dec := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder()
	out, err := dec.Bytes(raw)
	if err != nil {
		return strings.ReplaceAll(string(raw), "\x00", "")
	}
	return string(out)
}

func parseDistributions(out string) []string {
	var names []string
	for _, line := range strings.Split(out, "\n") {
		name := strings.TrimSpace(strings.Trim(line, "\x00\ufeff\r"))
		if name == "" {
			continue
		}
		names = append(names, name)
	}
	slices.Sort(names)
	return slices.Compact(names)
}

// Select builds the handle described by spec. WSL ids are checked against
// live discovery through a local handle.
func Select(ctx context.Context, spec Spec, logger *logging.Logger) (Handle, error) {
	local := NewLocal(logger)
	switch spec.Kind {
	case KindLocal, "":
		return local, nil
	case KindWSL:
		found, err := ListDistributions(ctx, local)
		if err != nil {
			return nil, errors.WithContext(err, errors.StageConfig, "")
		}
		return NewWSL(spec.Distribution, found, logger)
	case KindContainer:
		return NewContainer(spec.Engine, spec.Container, logger)
	default:
		return nil, errors.NewConfigurationError("unknown runtime kind " + string(spec.Kind)).
			WithField("runtime.kind").
			WithHint("use one of local, wsl, container")
	}
}
