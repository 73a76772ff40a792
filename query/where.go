package query

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/maxpert/livedata/document"
	"github.com/rs/zerolog/log"
)

// compileWhere turns a $where expression into a predicate. The expression
// sees the document fields as top-level variables and the whole document as
// `this`. Evaluation errors count as a non-match.
func compileWhere(v document.Value) (docPredicate, error) {
	src, ok := v.(document.String)
	if !ok {
		return nil, fmt.Errorf("$where needs an expression string")
	}
	program, err := expr.Compile(string(src), expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("invalid $where expression: %w", err)
	}
	return func(doc *document.Document) bool {
		return evalWhere(program, doc)
	}, nil
}

func evalWhere(program *vm.Program, doc *document.Document) bool {
	env := doc.Map()
	env["this"] = doc.Map()
	out, err := expr.Run(program, env)
	if err != nil {
		log.Debug().Err(err).Msg("$where evaluation failed")
		return false
	}
	b, ok := out.(bool)
	return ok && b
}
