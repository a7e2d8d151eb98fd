package subcmd

import "github.com/Elixir70/ragol/internal/protocol"

// DefForSubcommand resolves the definition for a subcommand number as sent
// by a client of version v. Returns nil for numbers the version cannot
// express (and for final numbers with no table entry, whose Handler is nil).
func DefForSubcommand(v protocol.Version, sub uint8) *Definition {
	switch v.Generation() {
	case protocol.GenProtoA:
		final := protoAToFinal[sub]
		if final == 0 {
			return nil
		}
		return &definitions[final]
	case protocol.GenProtoB:
		final := protoBToFinal[sub]
		if final == 0 {
			return nil
		}
		return &definitions[final]
	default:
		return &definitions[sub]
	}
}

// TranslateSubcommandNumber rewrites a subcommand number from one version's
// numbering to another's. Returns 0 when the recipient's numbering has no
// equivalent, in which case the message is dropped for that recipient only.
func TranslateSubcommandNumber(to, from protocol.Version, sub uint8) uint8 {
	def := DefForSubcommand(from, sub)
	if def == nil {
		return 0
	}
	switch to.Generation() {
	case protocol.GenProtoA:
		return def.ProtoA
	case protocol.GenProtoB:
		return def.ProtoB
	default:
		return def.Final
	}
}

// NumberFor returns the definition's subcommand number under v's numbering.
func (d *Definition) NumberFor(v protocol.Version) uint8 {
	switch v.Generation() {
	case protocol.GenProtoA:
		return d.ProtoA
	case protocol.GenProtoB:
		return d.ProtoB
	default:
		return d.Final
	}
}
