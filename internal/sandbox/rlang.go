package sandbox

import (
	_ "embed"
	"strings"

	"github.com/opensource-finance/cfdi-analytics/internal/domain"
)

//go:embed harness/r.R
var rHarness string

const rPackages = `(processx|sys|httr|curl|RCurl)\b`

var rDenylist = mustDeny(
	"system(", `\bsystem\s*\(`,
	"system2(", `\bsystem2\s*\(`,
	"shell(", `\bshell\s*\(`,
	"pipe(", `\bpipe\s*\(`,
	"Sys.setenv(", `\bSys\.setenv\s*\(`,
	"download.file(", `\bdownload\.file\s*\(`,
	"url(", `\burl\s*\(`,
	"socketConnection(", `\bsocketConnection\s*\(`,
	"file(", `\bfile\s*\(`,
	"readLines(", `\breadLines\s*\(`,
	"writeLines(", `\bwriteLines\s*\(`,
	"sink(", `\bsink\s*\(`,
	"eval(parse(", `\beval\s*\(\s*parse\s*\(`,
	"source(", `\bsource\s*\(`,
	"library(", `\blibrary\s*\(\s*["']?`+rPackages,
	"require(", `\brequire\s*\(\s*["']?`+rPackages,
)

type rLanguage struct {
	image string
}

func (rLanguage) Name() domain.Language { return domain.LanguageR }

func (rLanguage) Validate(script string) error {
	if err := checkSize(script, domain.MaxScriptBytes); err != nil {
		return err
	}
	return rDenylist.check(script)
}

func (rLanguage) Harness(script string) map[string][]byte {
	body := strings.Replace(rHarness, "    # {{SCRIPT}}", indent(script, "    "), 1)
	return map[string][]byte{"main.R": []byte(body)}
}

func (l rLanguage) RuntimeTag() string { return l.image }

func (rLanguage) Command() []string { return []string{"Rscript", "/app/main.R"} }
