// Package validate rejects unsafe input before it is ever concatenated
// into a remote shell command. The command validator is a character
// blacklist plus chaining-token check; individual dynamic values (miner
// names, algorithms, pool URLs, wallets, numeric ranges) have dedicated
// validators so that command builders never interpolate free text.
package validate

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidCommand is returned for any command string that fails the
// blacklist or token checks.
var ErrInvalidCommand = errors.New("invalid command")

// ErrValidation is the base error for all field-level validation
// failures. Callers use errors.Is(err, ErrValidation) to distinguish
// rejected input from transport failures.
var ErrValidation = errors.New("validation failed")

// dangerousChars are rejected anywhere in a command destined for a
// remote shell. Dynamic values are passed as discrete quoted arguments,
// so none of these ever need to appear.
const dangerousChars = ";&|`$(){}[]<>!\\'\""

// chainTokens are explicit shell chaining/redirection sequences,
// checked in addition to the character set.
var chainTokens = []string{"&&", "||", ";", ">", "<", "|"}

// Command validates a fully assembled command string. It returns the
// command unchanged on success or ErrInvalidCommand.
func Command(command string) (string, error) {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty command", ErrInvalidCommand)
	}
	if i := strings.IndexAny(command, dangerousChars); i >= 0 {
		return "", fmt.Errorf("%w: forbidden character %q", ErrInvalidCommand, command[i])
	}
	for _, tok := range chainTokens {
		if strings.Contains(command, tok) {
			return "", fmt.Errorf("%w: forbidden token %q", ErrInvalidCommand, tok)
		}
	}
	return command, nil
}

// allowedCommands is the advisory allowlist for strict-mode callers.
// Membership is checked on the first whitespace-delimited word.
var allowedCommands = map[string]struct{}{
	"nvidia-smi":      {},
	"rocm-smi":        {},
	"amdmemtweak":     {},
	"nvidia-settings": {},
	"cat":             {},
	"grep":            {},
	"pgrep":           {},
	"pkill":           {},
	"kill":            {},
	"nohup":           {},
	"sudo":            {},
	"reboot":          {},
	"uptime":          {},
	"hostname":        {},
}

// IsCommandAllowed reports whether the command's binary is on the
// strict-mode allowlist. Advisory: not every call site requires it.
func IsCommandAllowed(command string) bool {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return false
	}
	_, ok := allowedCommands[fields[0]]
	return ok
}

var (
	minerNameRe  = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,31}$`)
	algorithmRe  = regexp.MustCompile(`^[a-z0-9][a-z0-9/_-]{0,31}$`)
	workerNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)
	walletRe     = regexp.MustCompile(`^[A-Za-z0-9]{20,128}$`)
	poolURLRe    = regexp.MustCompile(`^(stratum\+tcp|stratum\+ssl|stratum2\+tcp|ethproxy\+tcp)://[A-Za-z0-9.-]+:[0-9]{1,5}$`)
)

// MinerName validates a miner identifier (lowercase, no shell metachars).
func MinerName(name string) error {
	if !minerNameRe.MatchString(name) {
		return fmt.Errorf("%w: invalid miner name %q", ErrValidation, name)
	}
	return nil
}

// Algorithm validates a mining algorithm identifier.
func Algorithm(algo string) error {
	if !algorithmRe.MatchString(algo) {
		return fmt.Errorf("%w: invalid algorithm %q", ErrValidation, algo)
	}
	return nil
}

// WorkerName validates the rig's worker label appended to the wallet.
func WorkerName(worker string) error {
	if !workerNameRe.MatchString(worker) {
		return fmt.Errorf("%w: invalid worker name %q", ErrValidation, worker)
	}
	return nil
}

// WalletAddress validates a pool payout address.
func WalletAddress(wallet string) error {
	if !walletRe.MatchString(wallet) {
		return fmt.Errorf("%w: invalid wallet address", ErrValidation)
	}
	return nil
}

// PoolURL validates a stratum pool URL (scheme://host:port).
func PoolURL(url string) error {
	if !poolURLRe.MatchString(url) {
		return fmt.Errorf("%w: invalid pool url %q", ErrValidation, url)
	}
	return nil
}

// IntInRange validates a numeric overclock field against its safe range.
func IntInRange(field string, value, min, max int) error {
	if value < min || value > max {
		return fmt.Errorf("%w: %s %d outside range [%d, %d]", ErrValidation, field, value, min, max)
	}
	return nil
}

var argTokenRe = regexp.MustCompile(`^[A-Za-z0-9_.,=:+%/-]+$`)

// ArgToken validates one extra command-line argument token. Tokens are
// appended as discrete arguments, so anything that could splice into
// the shell is rejected outright.
func ArgToken(arg string) error {
	if !argTokenRe.MatchString(arg) {
		return fmt.Errorf("%w: invalid argument token %q", ErrValidation, arg)
	}
	return nil
}

// ShellQuote wraps a value in single quotes with embedded single quotes
// escaped, so user-chosen free text can be passed as one argument token.
// This is the only sanctioned way to embed free text in a command.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
