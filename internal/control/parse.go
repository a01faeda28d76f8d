package control

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrHelp is returned by ParseCommand for /help.
var ErrHelp = errors.New("control: help requested")

// UsageError reports a malformed chat command.
type UsageError struct {
	Command string
	Usage   string
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("usage: %s", e.Usage)
}

// HelpText lists the chat commands.
const HelpText = `/start - start trading
/stop - stop and exit all positions
/status - current status
/positions - open positions
/stats - lifetime stats
/setbuy 0.03 - entry threshold (max ask)
/setsell 2 - profit multiplier on entry price
/setexit 25 - forced exit seconds before close
/setsize 10 - max position USD
/pausemarket <id> - pause a market
/help - this message`

var usages = map[string]string{
	"/setbuy":      "/setbuy 0.03 (value between 0 and 0.5)",
	"/setsell":     "/setsell 2 (multiplier above 1, at most 50)",
	"/setexit":     "/setexit 25 (seconds between 5 and 120)",
	"/setsize":     "/setsize 10 (USD between 1 and 1000)",
	"/pausemarket": "/pausemarket <market_id>",
}

// ParseCommand turns a chat message such as "/setbuy 0.03" into a Command.
// A "@botname" suffix on the command word is ignored.
func ParseCommand(text string) (Command, error) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, text)
	}
	name := strings.ToLower(fields[0])
	if i := strings.IndexByte(name, '@'); i > 0 {
		name = name[:i]
	}
	args := fields[1:]

	usage := func() error { return &UsageError{Command: name, Usage: usages[name]} }
	arg := func() (string, bool) {
		if len(args) == 0 {
			return "", false
		}
		return args[0], true
	}

	switch name {
	case "/start":
		return Start{}, nil
	case "/stop":
		return Stop{}, nil
	case "/status":
		return Status{}, nil
	case "/positions":
		return ListPositions{}, nil
	case "/stats":
		return Stats{}, nil
	case "/help":
		return nil, ErrHelp
	case "/setbuy":
		s, ok := arg()
		v, err := strconv.ParseFloat(s, 64)
		if !ok || err != nil || v <= 0 || v >= 0.5 {
			return nil, usage()
		}
		return SetEntryThreshold{Value: v}, nil
	case "/setsell":
		s, ok := arg()
		v, err := strconv.ParseFloat(strings.TrimSuffix(s, "x"), 64)
		if !ok || err != nil || v <= 1 || v > 50 {
			return nil, usage()
		}
		return SetProfitTarget{Multiplier: v}, nil
	case "/setexit":
		s, ok := arg()
		v, err := strconv.Atoi(strings.TrimSuffix(s, "s"))
		if !ok || err != nil || v < 5 || v > 120 {
			return nil, usage()
		}
		return SetForcedExit{Lead: time.Duration(v) * time.Second}, nil
	case "/setsize":
		s, ok := arg()
		v, err := strconv.ParseFloat(strings.TrimPrefix(s, "$"), 64)
		if !ok || err != nil || v < 1 || v > 1000 {
			return nil, usage()
		}
		return SetPositionSize{USD: v}, nil
	case "/pausemarket":
		s, ok := arg()
		if !ok {
			return nil, usage()
		}
		return PauseMarket{MarketID: s}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
}
