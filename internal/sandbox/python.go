package sandbox

import (
	_ "embed"
	"strings"

	"github.com/opensource-finance/cfdi-analytics/internal/domain"
)

//go:embed harness/python.py
var pythonHarness string

const pythonModules = `(os|sys|subprocess|socket|urllib|requests|pickle|shutil|ctypes|importlib)\b`

// pythonImportList skips the names before a denied module in
// "import a, b as c, \<newline> d".
const pythonImportList = `(?:[\w.]+(?:[ \t]+as[ \t]+\w+)?[ \t]*,[ \t]*(?:\\\r?\n[ \t]*)?)*`

var pythonDenylist = mustDeny(
	"import", `\bimport[ \t]+`+pythonImportList+pythonModules,
	"from import", `\bfrom\s+`+pythonModules,
	"__import__", `__import__`,
	"eval(", `\beval\s*\(`,
	"exec(", `\bexec\s*\(`,
	"compile(", `\bcompile\s*\(`,
	"open(", `\bopen\s*\(`,
	"file(", `\bfile\s*\(`,
	"input(", `\binput\s*\(`,
	"raw_input(", `\braw_input\s*\(`,
	"globals(", `\bglobals\s*\(`,
	"getattr(", `\bgetattr\s*\(`,
	"__builtins__", `__builtins__`,
	"__subclasses__", `__subclasses__`,
)

type pythonLanguage struct {
	image string
}

func (pythonLanguage) Name() domain.Language { return domain.LanguagePython }

func (pythonLanguage) Validate(script string) error {
	if err := checkSize(script, domain.MaxScriptBytes); err != nil {
		return err
	}
	return pythonDenylist.check(script)
}

func (pythonLanguage) Harness(script string) map[string][]byte {
	body := strings.Replace(pythonHarness, "        # {{SCRIPT}}", indent(script, "        "), 1)
	return map[string][]byte{"main.py": []byte(body)}
}

func (l pythonLanguage) RuntimeTag() string { return l.image }

func (pythonLanguage) Command() []string { return []string{"python", "/app/main.py"} }
