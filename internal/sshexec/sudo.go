package sshexec

import (
	"bytes"
	"strings"
)

// promptState tracks progress of a PTY-mediated sudo exchange.
type promptState int

const (
	stateAwaitingPrompt promptState = iota
	statePromptDetected
	stateStreaming
	stateClosed
)

// promptMarkers are the substrings that identify a sudo password
// prompt in the PTY output stream.
var promptMarkers = []string{
	"[sudo] password",
	"password for",
	"Password:",
}

// sudoStream consumes raw PTY output chunks and decides when the sudo
// password must be written. Output before (and including) the echoed
// prompt is discarded; everything after the prompt is the real command
// output. The password is requested exactly once per stream.
type sudoStream struct {
	state promptState
	scan  bytes.Buffer // rolling buffer while awaiting the prompt
	out   bytes.Buffer // command output after the prompt
}

func newSudoStream() *sudoStream {
	return &sudoStream{state: stateAwaitingPrompt}
}

// feed consumes one chunk of PTY output. It returns true exactly once,
// when the password prompt has just been detected and the caller must
// write the password followed by a newline.
func (s *sudoStream) feed(chunk []byte) bool {
	switch s.state {
	case stateAwaitingPrompt:
		s.scan.Write(chunk)
		text := s.scan.String()
		for _, marker := range promptMarkers {
			idx := strings.Index(text, marker)
			if idx < 0 {
				continue
			}
			// Everything up to the end of the prompt line is echo, not
			// output. Whatever trails the marker on the same chunk is
			// kept once the newline after the prompt passes.
			rest := text[idx+len(marker):]
			if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
				s.out.WriteString(rest[nl+1:])
			}
			s.scan.Reset()
			s.state = statePromptDetected
			return true
		}
		return false

	case statePromptDetected:
		// First chunk after the password write is the echoed newline;
		// from here on everything is real output.
		s.state = stateStreaming
		s.appendOutput(chunk)
		return false

	case stateStreaming:
		s.appendOutput(chunk)
		return false
	}
	return false
}

func (s *sudoStream) appendOutput(chunk []byte) {
	s.out.Write(chunk)
}

// close marks the stream finished. If the prompt never appeared, the
// scanned bytes are the command output (NOPASSWD sudo over a PTY).
func (s *sudoStream) close() {
	if s.state == stateAwaitingPrompt {
		s.out.Write(s.scan.Bytes())
		s.scan.Reset()
	}
	s.state = stateClosed
}

// output returns the captured command output with PTY line endings
// normalized and surrounding whitespace trimmed.
func (s *sudoStream) output() string {
	text := strings.ReplaceAll(s.out.String(), "\r\n", "\n")
	return strings.TrimSpace(text)
}
