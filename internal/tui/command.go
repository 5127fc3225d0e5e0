package tui

import "strings"

// Command names accepted by the ':' prompt.
const (
	CmdSearch  = "search"
	CmdChat    = "chat"
	CmdPair    = "pair"
	CmdRefresh = "refresh"
	CmdHelp    = "help"
	CmdQuit    = "quit"
)

var commandAliases = map[string]string{
	"s": CmdSearch,
	"c": CmdChat,
	"r": CmdRefresh,
	"h": CmdHelp,
	"q": CmdQuit,
}

// Command represents a parsed command.
type Command struct {
	Name string
	Args string
}

// ParseCommand parses a command string (without the leading ':').
func ParseCommand(input string) Command {
	name, args, _ := strings.Cut(strings.TrimSpace(input), " ")
	name = strings.ToLower(name)
	if full, ok := commandAliases[name]; ok {
		name = full
	}
	return Command{Name: name, Args: strings.TrimSpace(args)}
}

// commandNames is the completion order of the prompt.
var commandNames = []string{CmdChat, CmdHelp, CmdPair, CmdQuit, CmdRefresh, CmdSearch}

// Complete returns completions for a partially typed command. After "chat "
// it completes chat names.
func Complete(input string, chatNames []string) []string {
	name, arg, hasArg := strings.Cut(input, " ")
	if !hasArg {
		var out []string
		for _, c := range commandNames {
			if strings.HasPrefix(c, strings.ToLower(name)) {
				out = append(out, c)
			}
		}
		return out
	}
	if ParseCommand(name).Name != CmdChat {
		return nil
	}
	prefix := strings.ToLower(strings.TrimSpace(arg))
	var out []string
	for _, n := range chatNames {
		if strings.HasPrefix(strings.ToLower(n), prefix) {
			out = append(out, CmdChat+" "+n)
		}
	}
	return out
}
