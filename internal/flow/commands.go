package flow

import "github.com/rochaturbo/RochaTurbo/internal/util"

// Command is a control token that overrides answer parsing.
type Command string

const (
	CommandNone   Command = ""
	CommandMenu   Command = "menu"
	CommandStatus Command = "status"
	CommandBack   Command = "voltar"
	CommandSkip   Command = "pular"
	CommandKeep   Command = "manter"
	CommandFinish Command = "encerrar"
)

var commandWords = map[string]Command{
	"menu":          CommandMenu,
	"status":        CommandStatus,
	"voltar":        CommandBack,
	"pular":         CommandSkip,
	"nao se aplica": CommandSkip,
	"manter":        CommandKeep,
	"encerrar":      CommandFinish,
	"cancelar":      CommandFinish,
}

// ParseCommand recognizes a whole-message control token. Matching ignores case, accents and
// repeated whitespace.
func ParseCommand(text string) Command {
	return commandWords[util.Normalize(text)]
}
