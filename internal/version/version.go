package version

import "fmt"

// Заполняются через -ldflags "-X github.com/vladislavdragonenkov/storefront/internal/version.version=...".
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Service — имя сервиса в логах и health-ответах.
const Service = "storefront"

// Build описывает собранный бинарник.
type Build struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// Current возвращает метаданные текущей сборки.
func Current() Build {
	return Build{Version: version, Commit: commit, Date: date}
}

// Dev сообщает, что бинарник собран без ldflags.
func (b Build) Dev() bool { return b.Version == "dev" }

func (b Build) String() string {
	short := b.Commit
	if len(short) > 7 {
		short = short[:7]
	}
	return fmt.Sprintf("%s %s (commit %s, built %s)", Service, b.Version, short, b.Date)
}
