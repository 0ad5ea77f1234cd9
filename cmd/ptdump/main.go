// ptdump is a debugging driver for the points-to engine. It reads a
// textual micro-program of pointer statements, one per line:
//
//	p = &a      address-of
//	p = q       copy
//	p = *q      load
//	*p = q      store
//	p = q + 64  pointer arithmetic (bit offset)
//	p = q + ?   pointer arithmetic, unknown offset
//	p = null    null constant
//
// solves the constraint system and prints the resulting points-to sets.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"github.com/pointsto/andersen"
	"github.com/pointsto/andersen/internal/sliceutil"
	"github.com/pointsto/andersen/ir"
)

var (
	configPath = flag.String("config", "", "YAML analysis config `file`")
	verbose    = flag.Bool("v", false, "enable debug logging")
	dump       = flag.Bool("dump", false, "dump the constraint system before solving")
)

func main() {
	flag.Parse()

	if flag.NArg() != 1 {
		log.Fatal("Specify exactly one program file on the command line")
	}

	f, err := os.Open(flag.Arg(0))
	if err != nil {
		log.Fatalf("Opening program failed: %v", err)
	}
	defer f.Close()

	mod, decls, err := parseProgram(f)
	if err != nil {
		log.Fatalf("Parsing program failed: %v", err)
	}

	config := andersen.AnalysisConfig{Module: mod}
	if *configPath != "" {
		fc, err := andersen.LoadConfig(*configPath)
		if err != nil {
			log.Fatal(err)
		}
		if err := fc.Apply(&config); err != nil {
			log.Fatal(err)
		}
	}
	if *verbose {
		l := logrus.New()
		l.SetLevel(logrus.DebugLevel)
		config.Log = l
	}
	if *dump {
		config.DumpConstraints = os.Stderr
	}

	res := andersen.Analyze(config)

	ptrColor := color.New(color.FgCyan, color.Bold)
	flagColor := color.New(color.FgYellow)

	for _, name := range sliceutil.SortedKeys(decls) {
		decl := decls[name]
		pt, ok := res.PointsTo(decl)
		if !ok {
			continue
		}
		fmt.Printf("%s -> ", ptrColor.Sprint(name))
		printSet(pt, flagColor)
	}
}

func printSet(pt andersen.PointsToSet, flagColor *color.Color) {
	var parts []string
	if pt.Anything {
		parts = append(parts, flagColor.Sprint("ANYTHING"))
	}
	if pt.Null {
		parts = append(parts, flagColor.Sprint("null"))
	}
	if pt.Escaped {
		parts = append(parts, flagColor.Sprint("escaped"))
	}
	if pt.NonLocal {
		parts = append(parts, flagColor.Sprint("nonlocal"))
	}
	if pt.ReadOnly {
		parts = append(parts, flagColor.Sprint("readonly"))
	}
	names := sliceutil.Map(pt.Locations(), func(l andersen.Location) string {
		return l.Name
	})
	sort.Strings(names)
	parts = append(parts, names...)
	fmt.Printf("{ %s }\n", strings.Join(parts, " "))
}

// parseProgram lowers the textual statements into a single-function
// module over pointer-sized locals.
func parseProgram(f *os.File) (*ir.Module, map[string]*ir.Decl, error) {
	ptrType := &ir.Type{Size: 64, Pointer: true}
	decls := make(map[string]*ir.Decl)
	declFor := func(name string) *ir.Decl {
		if d, ok := decls[name]; ok {
			return d
		}
		d := &ir.Decl{Name: name, Kind: ir.DeclLocal, Type: ptrType}
		decls[name] = d
		return d
	}

	var body []ir.Stmt
	sc := bufio.NewScanner(f)
	lineno := 0
	for sc.Scan() {
		lineno++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		lhs, rhs, found := strings.Cut(line, "=")
		if !found {
			return nil, nil, fmt.Errorf("line %d: want 'lhs = rhs', got %q", lineno, line)
		}
		lhs, rhs = strings.TrimSpace(lhs), strings.TrimSpace(rhs)

		dst, err := parseLvalue(lhs, declFor)
		if err != nil {
			return nil, nil, fmt.Errorf("line %d: %w", lineno, err)
		}
		src, err := parseRvalue(rhs, declFor)
		if err != nil {
			return nil, nil, fmt.Errorf("line %d: %w", lineno, err)
		}
		body = append(body, ir.AssignStmt{Dst: dst, Src: src})
	}
	if err := sc.Err(); err != nil {
		return nil, nil, err
	}

	fn := &ir.Func{Name: "main", Body: body}
	return &ir.Module{Funcs: []*ir.Func{fn}}, decls, nil
}

func parseLvalue(s string, declFor func(string) *ir.Decl) (ir.Expr, error) {
	if name, ok := strings.CutPrefix(s, "*"); ok {
		return ir.DerefExpr{X: ir.VarExpr{Decl: declFor(name)}}, nil
	}
	if !identLike(s) {
		return nil, fmt.Errorf("bad lvalue %q", s)
	}
	return ir.VarExpr{Decl: declFor(s)}, nil
}

func parseRvalue(s string, declFor func(string) *ir.Decl) (ir.Expr, error) {
	switch {
	case s == "null":
		return ir.ConstExpr{Kind: ir.ConstNull}, nil

	case strings.HasPrefix(s, "&"):
		name := s[1:]
		if !identLike(name) {
			return nil, fmt.Errorf("bad operand %q", s)
		}
		return ir.AddrExpr{X: ir.VarExpr{Decl: declFor(name)}}, nil

	case strings.HasPrefix(s, "*"):
		name := s[1:]
		if !identLike(name) {
			return nil, fmt.Errorf("bad operand %q", s)
		}
		return ir.DerefExpr{X: ir.VarExpr{Decl: declFor(name)}}, nil

	case strings.Contains(s, "+"):
		base, off, _ := strings.Cut(s, "+")
		base, off = strings.TrimSpace(base), strings.TrimSpace(off)
		if !identLike(base) {
			return nil, fmt.Errorf("bad operand %q", base)
		}
		offset := ir.UnknownOffset
		if off != "?" {
			v, err := strconv.ParseInt(off, 10, 64)
			if err != nil || v < 0 {
				return nil, fmt.Errorf("bad offset %q", off)
			}
			offset = v
		}
		return ir.PtrAddExpr{X: ir.VarExpr{Decl: declFor(base)}, Offset: offset}, nil

	case identLike(s):
		return ir.VarExpr{Decl: declFor(s)}, nil
	}
	return nil, fmt.Errorf("bad rvalue %q", s)
}

func identLike(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}
