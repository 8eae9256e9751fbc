package tools

import (
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"math"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"
)

func systemTools(deps Deps) []Tool {
	list := []Tool{
		NewTool("get_datetime", "Return the current date and time.", Schema(nil),
			func(ctx context.Context, args map[string]interface{}) Result {
				now := time.Now()
				return OK(map[string]interface{}{
					"datetime":  now.Format(time.RFC3339),
					"date":      now.Format("2006-01-02"),
					"time":      now.Format("15:04:05"),
					"timezone":  now.Format("MST"),
					"timestamp": now.Unix(),
				})
			}),
		NewTool("get_system_info", "Return basic information about the host.", Schema(nil),
			func(ctx context.Context, args map[string]interface{}) Result {
				hostname, _ := os.Hostname()
				var mem runtime.MemStats
				runtime.ReadMemStats(&mem)
				return OK(map[string]interface{}{
					"os":            runtime.GOOS,
					"arch":          runtime.GOARCH,
					"hostname":      hostname,
					"cpu_count":     runtime.NumCPU(),
					"go_version":    runtime.Version(),
					"goroutines":    runtime.NumGoroutine(),
					"heap_alloc_mb": math.Round(float64(mem.HeapAlloc)/(1<<20)*100) / 100,
					"workspace":     deps.Workspace.Root(),
					"write_enabled": deps.AllowWrite,
					"default_role":  deps.DefaultRole.String(),
				})
			}),
		NewTool("calculate", "Evaluate an arithmetic expression (+ - * / %, ^ for power, parentheses, sqrt/abs/floor/ceil/round, pi, e).",
			Schema([]Prop{{Name: "expression", Type: "string", Description: "Expression such as (2 + 3) * 4", Required: true}}),
			func(ctx context.Context, args map[string]interface{}) Result {
				expr, bad := requireString(args, "expression")
				if bad != nil {
					return *bad
				}
				v, err := Calculate(expr)
				if err != nil {
					return Fail(CodeCalcError, "%s", err.Error())
				}
				return OK(map[string]interface{}{
					"expression": expr,
					"result":     v,
				})
			}),
	}
	if deps.Models != nil {
		list = append(list, NewTool("list_llm_models", "List the models available on the model backend.", Schema(nil),
			func(ctx context.Context, args map[string]interface{}) Result {
				return listModels(ctx, deps.Models)
			}))
	}
	return list
}

func listModels(ctx context.Context, lister ModelLister) Result {
	models, err := lister.ListModels(ctx)
	if err != nil {
		return Fail(CodeHTTPError, "listing models: %v", err)
	}
	categories := map[string][]string{}
	var totalSize int64
	local := 0
	for _, m := range models {
		totalSize += m.Size
		if m.Size >= 1000 {
			local++
		}
		cat := modelCategory(m.Name, m.Size)
		categories[cat] = append(categories[cat], m.Name)
	}
	for _, names := range categories {
		sort.Strings(names)
	}
	return OK(map[string]interface{}{
		"total":         len(models),
		"local_count":   local,
		"cloud_count":   len(models) - local,
		"total_size_gb": math.Round(float64(totalSize)/(1<<30)*10) / 10,
		"categories":    categories,
		"models":        models,
	})
}

// modelCategory buckets a model by name. Entries under 1000 bytes are remote proxies.
func modelCategory(name string, size int64) string {
	n := strings.ToLower(name)
	has := func(subs ...string) bool {
		for _, s := range subs {
			if strings.Contains(n, s) {
				return true
			}
		}
		return false
	}
	switch {
	case size < 1000 || has("cloud", "gemini", "kimi"):
		return "cloud"
	case has("embed", "nomic", "bge", "mxbai"):
		return "embedding"
	case has("vision", "-vl", "vl:"):
		return "vision"
	case has("coder", "code", "deepseek"):
		return "code"
	case has("guard", "safety"):
		return "safety"
	}
	return "general"
}

// Calculate evaluates an arithmetic expression without executing code. The
// expression is parsed with the Go expression grammar; ^ is exponentiation.
func Calculate(expr string) (float64, error) {
	node, err := parser.ParseExpr(expr)
	if err != nil {
		return 0, fmt.Errorf("invalid expression: %v", err)
	}
	v, err := evalNode(node)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("result is not a finite number")
	}
	return v, nil
}

var calcConsts = map[string]float64{"pi": math.Pi, "e": math.E}

var calcFuncs = map[string]func(float64) float64{
	"sqrt":  math.Sqrt,
	"abs":   math.Abs,
	"floor": math.Floor,
	"ceil":  math.Ceil,
	"round": math.Round,
}

func evalNode(n ast.Expr) (float64, error) {
	switch n := n.(type) {
	case *ast.BasicLit:
		if n.Kind != token.INT && n.Kind != token.FLOAT {
			return 0, fmt.Errorf("unsupported literal %s", n.Value)
		}
		return strconv.ParseFloat(strings.ReplaceAll(n.Value, "_", ""), 64)
	case *ast.ParenExpr:
		return evalNode(n.X)
	case *ast.Ident:
		if v, ok := calcConsts[strings.ToLower(n.Name)]; ok {
			return v, nil
		}
		return 0, fmt.Errorf("unknown identifier %q", n.Name)
	case *ast.UnaryExpr:
		x, err := evalNode(n.X)
		if err != nil {
			return 0, err
		}
		switch n.Op {
		case token.SUB:
			return -x, nil
		case token.ADD:
			return x, nil
		}
		return 0, fmt.Errorf("unsupported operator %s", n.Op)
	case *ast.CallExpr:
		id, ok := n.Fun.(*ast.Ident)
		if !ok || len(n.Args) != 1 {
			return 0, fmt.Errorf("unsupported call")
		}
		fn, ok := calcFuncs[strings.ToLower(id.Name)]
		if !ok {
			return 0, fmt.Errorf("unknown function %q", id.Name)
		}
		x, err := evalNode(n.Args[0])
		if err != nil {
			return 0, err
		}
		return fn(x), nil
	case *ast.BinaryExpr:
		x, err := evalNode(n.X)
		if err != nil {
			return 0, err
		}
		y, err := evalNode(n.Y)
		if err != nil {
			return 0, err
		}
		switch n.Op {
		case token.ADD:
			return x + y, nil
		case token.SUB:
			return x - y, nil
		case token.MUL:
			return x * y, nil
		case token.QUO:
			if y == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			return x / y, nil
		case token.REM:
			if y == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			return math.Mod(x, y), nil
		case token.XOR:
			return math.Pow(x, y), nil
		}
		return 0, fmt.Errorf("unsupported operator %s", n.Op)
	}
	return 0, fmt.Errorf("unsupported expression")
}
