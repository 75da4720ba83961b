package build

import (
	"bufio"
	"errors"
	"io"
	"regexp"
	"strings"
	"sync"

	"github.com/docker/docker/pkg/stdcopy"
)

// successMarker is what the builder image prints after a successful build.
// It is a text contract with that image: change both together.
var successMarker = regexp.MustCompile(`Successfully built ([a-fA-F0-9]+)`)

// Outcome is the result of one build attempt. A failed build is an Outcome
// with Success false, not an error.
type Outcome struct {
	BuildID     string
	ContainerID string
	Host        string
	Success     bool
	// ImageID is set iff Success.
	ImageID   string
	DockerTag string
	Log       string
}

// ParseOutcome scans a cleansed builder log for the success marker. When
// the marker appears more than once the last one wins.
func ParseOutcome(log string) Outcome {
	out := Outcome{Log: log}
	matches := successMarker.FindAllStringSubmatch(log, -1)
	if len(matches) == 0 {
		return out
	}
	out.Success = true
	out.ImageID = strings.ToLower(matches[len(matches)-1][1])
	return out
}

// Cleanse copies a container log to w, removing the daemon's stdout/stderr
// framing when present. Logs of TTY containers are not framed and pass
// through unchanged.
func Cleanse(w io.Writer, r io.Reader) error {
	br := bufio.NewReaderSize(r, 32<<10)
	hdr, err := br.Peek(8)
	if err == nil && isFrameHeader(hdr) {
		_, err = stdcopy.StdCopy(w, w, br)
		return err
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	_, err = io.Copy(w, br)
	return err
}

// isFrameHeader reports whether h starts a multiplexed frame:
// stream byte 0-2 followed by three zero bytes.
func isFrameHeader(h []byte) bool {
	return len(h) >= 8 && h[0] <= 2 && h[1] == 0 && h[2] == 0 && h[3] == 0
}

// sink accumulates the cleansed log and republishes every fragment.
type sink struct {
	buildID string
	pub     Publisher

	mu  sync.Mutex
	buf strings.Builder
}

func (s *sink) Write(p []byte) (int, error) {
	frag := string(p)
	s.mu.Lock()
	s.buf.WriteString(frag)
	s.mu.Unlock()
	if s.pub != nil {
		s.pub.Publish(s.buildID, frag)
	}
	return len(p), nil
}

func (s *sink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}
