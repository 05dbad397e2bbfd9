package main

import (
	"bytes"
	"errors"
	"fmt"
	"go/ast"
	"go/format"
	"go/parser"
	"go/printer"
	"go/token"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/template"
	"unicode"

	"gopkg.in/yaml.v3"
)

// modelImport is the import path generated facades depend on.
const modelImport = "github.com/sghaida/cop/model"

// GenSpec is the input of `cop gen`. JSON is accepted too, being a subset of YAML.
type GenSpec struct {
	// Package is the package name of the generated file.
	Package string `yaml:"package"`

	// Dir holds the contract sources. Relative paths resolve against the
	// spec file; empty means the spec file's directory.
	Dir string `yaml:"dir"`

	// Out is the generated file. Relative paths resolve against Dir.
	Out string `yaml:"out"`

	// Register names the generated registration function.
	Register string `yaml:"register"`

	Contracts []ContractSpec `yaml:"contracts"`
}

// ContractSpec names one interface to generate a facade for.
type ContractSpec struct {
	Name   string `yaml:"name"`
	Facade string `yaml:"facade"`
}

// ReadGenSpec loads and validates a generator spec, resolving Dir and Out
// to absolute-or-cleaned paths.
func ReadGenSpec(specPath string) (*GenSpec, error) {
	b, err := os.ReadFile(specPath)
	if err != nil {
		return nil, err
	}

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	var spec GenSpec
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", specPath, err)
	}

	base := filepath.Dir(specPath)
	switch {
	case spec.Dir == "":
		spec.Dir = base
	case !filepath.IsAbs(spec.Dir):
		spec.Dir = filepath.Join(base, spec.Dir)
	}
	if spec.Out != "" && !filepath.IsAbs(spec.Out) {
		spec.Out = filepath.Join(spec.Dir, spec.Out)
	}
	if spec.Register == "" {
		spec.Register = "registerFacades"
	}
	for i := range spec.Contracts {
		if spec.Contracts[i].Facade == "" {
			spec.Contracts[i].Facade = lowerFirst(spec.Contracts[i].Name) + "Facade"
		}
	}

	if err := spec.validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

func (s *GenSpec) validate() error {
	var missing []string
	requireNonEmpty := func(field, value string) {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, field)
		}
	}
	requireNonEmpty("package", s.Package)
	requireNonEmpty("out", s.Out)
	if len(s.Contracts) == 0 {
		missing = append(missing, "contracts (must have at least 1)")
	}
	if len(missing) > 0 {
		return fmt.Errorf("spec missing required fields: %v", missing)
	}

	var errs []error
	if !token.IsIdentifier(s.Register) {
		errs = append(errs, fmt.Errorf("register: %q is not an identifier", s.Register))
	}
	seen := make(map[string]struct{}, len(s.Contracts))
	facades := make(map[string]struct{}, len(s.Contracts))
	for i, c := range s.Contracts {
		switch {
		case !token.IsIdentifier(c.Name):
			errs = append(errs, fmt.Errorf("contracts[%d]: %q is not an identifier", i, c.Name))
		case !token.IsIdentifier(c.Facade):
			errs = append(errs, fmt.Errorf("contracts[%d]: facade %q is not an identifier", i, c.Facade))
		}
		if _, ok := seen[c.Name]; ok {
			errs = append(errs, fmt.Errorf("contracts[%d]: duplicate contract %s", i, c.Name))
		}
		if _, ok := facades[c.Facade]; ok {
			errs = append(errs, fmt.Errorf("contracts[%d]: duplicate facade %s", i, c.Facade))
		}
		seen[c.Name] = struct{}{}
		facades[c.Facade] = struct{}{}
	}
	return errors.Join(errs...)
}

//
// -----------------------------------------------------------------------------
// Source scanning
// -----------------------------------------------------------------------------

// ImportSpec models one Go import: optional alias and full import path.
type ImportSpec struct {
	Alias string
	Path  string
}

// ident returns the name the import is referred to by.
func (i ImportSpec) ident() string {
	if i.Alias != "" {
		return i.Alias
	}
	return path.Base(i.Path)
}

// source is one parsed interface with the imports of its file.
type source struct {
	fset    *token.FileSet
	iface   *ast.InterfaceType
	imports []ImportSpec
}

// scanInterfaces parses the non-test, non-generated Go files of dir and
// returns every interface type declared in them.
func scanInterfaces(dir string) (map[string]*source, *token.FileSet, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, err
	}

	fset := token.NewFileSet()
	out := map[string]*source{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() ||
			!strings.HasSuffix(name, ".go") ||
			strings.HasSuffix(name, "_test.go") ||
			strings.HasSuffix(name, ".gen.go") {
			continue
		}

		file, err := parser.ParseFile(fset, filepath.Join(dir, name), nil, parser.SkipObjectResolution)
		if err != nil {
			return nil, nil, err
		}

		var imports []ImportSpec
		for _, is := range file.Imports {
			p, _ := strconv.Unquote(is.Path.Value)
			alias := ""
			if is.Name != nil {
				alias = is.Name.Name
			}
			imports = append(imports, ImportSpec{Alias: alias, Path: p})
		}

		for _, decl := range file.Decls {
			gd, ok := decl.(*ast.GenDecl)
			if !ok || gd.Tok != token.TYPE {
				continue
			}
			for _, s := range gd.Specs {
				ts := s.(*ast.TypeSpec)
				it, ok := ts.Type.(*ast.InterfaceType)
				if !ok {
					continue
				}
				if ts.TypeParams != nil {
					// generic interfaces cannot be contracts
					continue
				}
				out[ts.Name.Name] = &source{fset: fset, iface: it, imports: imports}
			}
		}
	}
	return out, fset, nil
}

//
// -----------------------------------------------------------------------------
// Method model
// -----------------------------------------------------------------------------

type param struct {
	Name     string
	Type     string
	Variadic bool
}

type method struct {
	Name   string
	Ctx    string // name of the leading context parameter, empty when absent
	Params []param
	Result string // non-error result type, empty when absent
	Error  bool
}

// Signature renders the parameter list.
func (m method) Signature() string {
	var parts []string
	if m.Ctx != "" {
		parts = append(parts, m.Ctx+" context.Context")
	}
	for _, p := range m.Params {
		t := p.Type
		if p.Variadic {
			t = "..." + t
		}
		parts = append(parts, p.Name+" "+t)
	}
	return strings.Join(parts, ", ")
}

// Results renders the result list.
func (m method) Results() string {
	switch {
	case m.Result != "" && m.Error:
		return "(" + m.Result + ", error)"
	case m.Result != "":
		return m.Result
	case m.Error:
		return "error"
	}
	return ""
}

// Context is the context expression passed to the invoker.
func (m method) Context() string {
	if m.Ctx != "" {
		return m.Ctx
	}
	return "context.Background()"
}

// Args renders the argument list passed after the method name.
func (m method) Args() string {
	var b strings.Builder
	for _, p := range m.Params {
		b.WriteString(", ")
		b.WriteString(p.Name)
	}
	return b.String()
}

type contract struct {
	Name    string
	Facade  string
	Methods []method
}

// collector gathers contract methods and the imports their types need.
type collector struct {
	sources map[string]*source
	fset    *token.FileSet
	imports map[string]ImportSpec // by identifier
}

func (c *collector) contract(cs ContractSpec) (contract, error) {
	methods, err := c.methods(cs.Name, map[string]bool{})
	if err != nil {
		return contract{}, err
	}
	sort.Slice(methods, func(i, j int) bool { return methods[i].Name < methods[j].Name })
	for i := 1; i < len(methods); i++ {
		if methods[i].Name == methods[i-1].Name {
			return contract{}, fmt.Errorf("%s: method %s is declared twice", cs.Name, methods[i].Name)
		}
	}
	return contract{Name: cs.Name, Facade: cs.Facade, Methods: methods}, nil
}

func (c *collector) methods(name string, seen map[string]bool) ([]method, error) {
	src, ok := c.sources[name]
	if !ok {
		return nil, fmt.Errorf("interface %s not found", name)
	}
	if seen[name] {
		return nil, nil
	}
	seen[name] = true

	var out []method
	for _, f := range src.iface.Methods.List {
		switch t := f.Type.(type) {
		case *ast.FuncType:
			m, err := c.method(src, f.Names[0].Name, t)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", name, f.Names[0].Name, err)
			}
			out = append(out, m)
		case *ast.Ident:
			embedded, err := c.methods(t.Name, seen)
			if err != nil {
				return nil, fmt.Errorf("%s embeds %w", name, err)
			}
			out = append(out, embedded...)
		default:
			return nil, fmt.Errorf("%s: unsupported embedded element %s", name, c.expr(t))
		}
	}
	return out, nil
}

func (c *collector) method(src *source, name string, ft *ast.FuncType) (method, error) {
	m := method{Name: name}

	params := ft.Params.List
	if len(params) > 0 && c.isContext(src, params[0].Type) {
		m.Ctx = "ctx"
		if len(params[0].Names) > 1 {
			params = append([]*ast.Field{{Names: params[0].Names[1:], Type: params[0].Type}}, params[1:]...)
		} else {
			params = params[1:]
		}
	}

	for _, f := range params {
		n := len(f.Names)
		if n == 0 {
			n = 1
		}
		for range n {
			p := param{Name: "p" + strconv.Itoa(len(m.Params))}
			expr := f.Type
			if el, ok := expr.(*ast.Ellipsis); ok {
				p.Variadic = true
				expr = el.Elt
			}
			p.Type = c.use(src, expr)
			m.Params = append(m.Params, p)
		}
	}

	var results []ast.Expr
	if ft.Results != nil {
		for _, f := range ft.Results.List {
			n := len(f.Names)
			if n == 0 {
				n = 1
			}
			for range n {
				results = append(results, f.Type)
			}
		}
	}
	if k := len(results); k > 0 && isError(results[k-1]) {
		m.Error = true
		results = results[:k-1]
	}
	switch len(results) {
	case 0:
	case 1:
		m.Result = c.use(src, results[0])
	default:
		return method{}, errors.New("more than one non-error result")
	}
	return m, nil
}

func (c *collector) isContext(src *source, e ast.Expr) bool {
	sel, ok := e.(*ast.SelectorExpr)
	if !ok || sel.Sel.Name != "Context" {
		return false
	}
	x, ok := sel.X.(*ast.Ident)
	if !ok {
		return false
	}
	for _, is := range src.imports {
		if is.Path == "context" && is.ident() == x.Name {
			return true
		}
	}
	return false
}

func isError(e ast.Expr) bool {
	id, ok := e.(*ast.Ident)
	return ok && id.Name == "error"
}

// use renders e and records the imports its qualified identifiers need.
func (c *collector) use(src *source, e ast.Expr) string {
	ast.Inspect(e, func(n ast.Node) bool {
		sel, ok := n.(*ast.SelectorExpr)
		if !ok {
			return true
		}
		if x, ok := sel.X.(*ast.Ident); ok {
			for _, is := range src.imports {
				if is.ident() == x.Name {
					c.imports[x.Name] = is
				}
			}
		}
		return false
	})
	return c.expr(e)
}

func (c *collector) expr(e ast.Expr) string {
	var b bytes.Buffer
	_ = printer.Fprint(&b, c.fset, e)
	return b.String()
}

//
// -----------------------------------------------------------------------------
// Rendering
// -----------------------------------------------------------------------------

type templateData struct {
	Spec      *GenSpec
	Imports   []ImportSpec
	Contracts []contract
}

// Generate renders the facades described by spec, gofmt'ed.
func Generate(spec *GenSpec) ([]byte, error) {
	sources, fset, err := scanInterfaces(spec.Dir)
	if err != nil {
		return nil, err
	}

	c := &collector{sources: sources, fset: fset, imports: map[string]ImportSpec{}}
	var contracts []contract
	var errs []error
	for _, cs := range spec.Contracts {
		ct, err := c.contract(cs)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		contracts = append(contracts, ct)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	for _, ct := range contracts {
		if len(ct.Methods) > 0 {
			c.imports["context"] = ImportSpec{Path: "context"}
		}
	}
	c.imports["model"] = ImportSpec{Path: modelImport}
	imports := make([]ImportSpec, 0, len(c.imports))
	for _, is := range c.imports {
		imports = append(imports, is)
	}
	sort.Slice(imports, func(i, j int) bool { return imports[i].Path < imports[j].Path })

	var out bytes.Buffer
	if err := genTemplate.Execute(&out, templateData{Spec: spec, Imports: imports, Contracts: contracts}); err != nil {
		return nil, err
	}
	formatted, err := format.Source(out.Bytes())
	if err != nil {
		return nil, fmt.Errorf("format generated source: %w", err)
	}
	return formatted, nil
}

var genTemplate = template.Must(template.New("facades").Parse(`// Code generated by cop gen; DO NOT EDIT.

package {{.Spec.Package}}

import (
{{- range .Imports}}
	{{if .Alias}}{{.Alias}} {{end}}"{{.Path}}"
{{- end}}
)
{{range .Contracts}}
var _ {{.Name}} = {{.Facade}}{}

// {{.Facade}} adapts a composite handle to {{.Name}}. Methods without an error
// result panic when the invocation fails.
type {{.Facade}} struct{ inv model.Invoker }
{{$c := .}}
{{- range .Methods}}
func (f {{$c.Facade}}) {{.Name}}({{.Signature}}) {{.Results}} {
{{- if and .Result .Error}}
	return model.Call[{{.Result}}]({{.Context}}, f.inv, "{{.Name}}"{{.Args}})
{{- else if .Result}}
	r, err := model.Call[{{.Result}}]({{.Context}}, f.inv, "{{.Name}}"{{.Args}})
	if err != nil {
		panic(err)
	}
	return r
{{- else if .Error}}
	_, err := f.inv.Invoke({{.Context}}, "{{.Name}}"{{.Args}})
	return err
{{- else}}
	if _, err := f.inv.Invoke({{.Context}}, "{{.Name}}"{{.Args}}); err != nil {
		panic(err)
	}
{{- end}}
}
{{end}}
{{- end}}
// {{.Spec.Register}} registers every generated facade on f.
func {{.Spec.Register}}(f *model.Facades) *model.Facades {
{{- range .Contracts}}
	model.RegisterFacade(f, func(inv model.Invoker) {{.Name}} { return {{.Facade}}{inv} })
{{- end}}
	return f
}
`))

//
// -----------------------------------------------------------------------------
// Output
// -----------------------------------------------------------------------------

// tempFile abstracts an os.File for testability.
type tempFile interface {
	Name() string
	Write([]byte) (int, error)
	Close() error
}

// File operation hooks, overridden in tests.
var (
	createTempFile = func(dir, pattern string) (tempFile, error) { return os.CreateTemp(dir, pattern) }
	chmodFile      = os.Chmod
	renameFile     = os.Rename
	removeFile     = os.Remove
)

// writeFileAtomic writes to a temporary file in the target directory and
// renames it over targetPath, so readers never observe partial writes.
func writeFileAtomic(targetPath string, data []byte, perm os.FileMode) (err error) {
	tmp, err := createTempFile(filepath.Dir(targetPath), filepath.Base(targetPath)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	defer func() {
		if err != nil {
			_ = removeFile(tmpPath)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = chmodFile(tmpPath, perm); err != nil {
		return err
	}
	return renameFile(tmpPath, targetPath)
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToLower(r[0])
	return string(r)
}
