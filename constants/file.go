package constants

import "strings"

// Fixed subdirectory names under every watch root. The Portuguese names are
// part of the on-disk contract shared with other instances and with operators.
const (
	InputDir   = "Entrada"
	OutputDir  = "Saida"
	ErrorDir   = "Erro"
	ArchiveDir = "Originais_Processados"
	TempDir    = ".ocrpipe-tmp"
)

// ClaimSuffix terminates the hidden name a source file is renamed to when an
// instance claims it.
const ClaimSuffix = ".claimed"

// DiagSuffix terminates the diagnostic record written next to a failed
// original under Erro.
const DiagSuffix = ".diag.json"

// AllowedExtensions holds the file extensions the scanner considers.
var AllowedExtensions = map[string]struct{}{
	"pdf": {},
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// AllowedExt reports whether a normalized extension is processable.
func AllowedExt(ext string) bool {
	_, ok := AllowedExtensions[ext]
	return ok
}
