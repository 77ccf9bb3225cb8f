package funcs

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memRegistry keeps records between Detect calls the way the store does.
type memRegistry struct {
	records map[string]map[string]Record
}

func newMemRegistry() *memRegistry {
	return &memRegistry{records: make(map[string]map[string]Record)}
}

func (m *memRegistry) FunctionsByFile(_ context.Context, fileID string) ([]Record, error) {
	var out []Record
	for _, r := range m.records[fileID] {
		out = append(out, r)
	}
	return out, nil
}

func (m *memRegistry) MaxFunctionOrdinal(_ context.Context, fileID string) (int, error) {
	max := 0
	for id := range m.records[fileID] {
		if n := Ordinal(id); n > max {
			max = n
		}
	}
	return max, nil
}

func (m *memRegistry) apply(d *Diff) {
	if m.records[d.FileID] == nil {
		m.records[d.FileID] = make(map[string]Record)
	}
	for _, r := range d.Upserts {
		m.records[d.FileID][r.ID] = r
	}
}

func names(fns []Function) []string {
	out := make([]string, len(fns))
	for i, f := range fns {
		out[i] = f.Name
	}
	return out
}

// ============================================================================
// Extraction
// ============================================================================

func TestExtractPerLanguage(t *testing.T) {
	tests := []struct {
		lang   string
		src    string
		names  []string
		params []int
		slots  []ReturnSlot
	}{
		{
			lang:   "python",
			src:    "def f(x) -> int:\n    return x\n\ndef g(x, *, y=\",\"):\n    print(x)\n",
			names:  []string{"f", "g"},
			params: []int{1, 2},
			slots:  []ReturnSlot{ReturnTyped, ReturnVoid},
		},
		{
			lang:   "go",
			src:    "package x\n\nfunc (s *Server) Start(ctx context.Context) error {\n\treturn nil\n}\n\nfunc stop() {\n}\n",
			names:  []string{"Start", "stop"},
			params: []int{1, 0},
			slots:  []ReturnSlot{ReturnTyped, ReturnVoid},
		},
		{
			lang:   "c",
			src:    "int add(int a, int b) {\n    return a + b;\n}\n\nvoid log_it(void) {\n    printf(\"x\");\n}\n",
			names:  []string{"add", "log_it"},
			params: []int{2, 0},
			slots:  []ReturnSlot{ReturnTyped, ReturnVoid},
		},
		{
			lang:   "java",
			src:    "public class A {\n  public static int twice(int x) {\n    return x * 2;\n  }\n  public A() {\n  }\n}\n",
			names:  []string{"twice", "A"},
			params: []int{1, 0},
			slots:  []ReturnSlot{ReturnTyped, ReturnUnknown},
		},
		{
			lang:   "rust",
			src:    "pub fn area(w: u32, h: u32) -> u32 {\n    w * h\n}\n",
			names:  []string{"area"},
			params: []int{2},
			slots:  []ReturnSlot{ReturnTyped},
		},
		{
			lang:   "ruby",
			src:    "def greet(name)\n  \"hi #{name}\"\nend\n\ndef shout name\n  return name.upcase\nend\n",
			names:  []string{"greet", "shout"},
			params: []int{1, 1},
			slots:  []ReturnSlot{ReturnUnknown, ReturnInferred},
		},
		{
			lang:   "javascript",
			src:    "function greet(name) {\n  return 'hi ' + name;\n}\nconst add = (a, b) => a + b;\nclass A {\n  render() {\n    console.log(greet('x'));\n  }\n}\n",
			names:  []string{"greet", "add", "render"},
			params: []int{1, 2, 0},
			slots:  []ReturnSlot{ReturnInferred, ReturnInferred, ReturnVoid},
		},
		{
			lang:   "typescript",
			src:    "function f(x: number): number {\n  return x;\n}\n",
			names:  []string{"f"},
			params: []int{1},
			slots:  []ReturnSlot{ReturnTyped},
		},
	}

	for _, tc := range tests {
		t.Run(tc.lang, func(t *testing.T) {
			ex := Extract(tc.src, tc.lang, 0)
			require.Equal(t, tc.names, names(ex.Functions))
			for i, f := range ex.Functions {
				assert.Equal(t, tc.params[i], f.ParameterCount, f.Name)
				assert.Equal(t, tc.slots[i], f.ReturnSlot, f.Name)
				assert.True(t, strings.HasPrefix(f.Signature, tc.lang+"|"), f.Signature)
			}
		})
	}
}

func TestExtractIgnoresCommentsAndStrings(t *testing.T) {
	src := "# def fake(a):\ns = \"def other(b):\"\ndef real(c):\n    return c\n"
	ex := Extract(src, "python", 0)
	assert.Equal(t, []string{"real"}, names(ex.Functions))
	assert.Equal(t, 3, ex.Functions[0].StartLine)
	assert.Equal(t, 4, ex.Functions[0].EndLine)
}

func TestSignatureIgnoresParameterNames(t *testing.T) {
	a := Extract("def f(a, b):\n    return a * b\n", "python", 0)
	b := Extract("def g(x, y):\n    return x * y\n", "python", 0)
	require.Len(t, a.Functions, 1)
	require.Len(t, b.Functions, 1)
	assert.Equal(t, a.Functions[0].Signature, b.Functions[0].Signature)
	assert.Equal(t, "python|2|inferred|return IDENT_0 * IDENT_1", a.Functions[0].Signature)
}

func TestExtractUnknownLanguage(t *testing.T) {
	ex := Extract("def f(a): return a\n", "cobol", 0)
	assert.Empty(t, ex.Functions)
	assert.False(t, Supported("cobol"))
	assert.True(t, Supported("py"))
}

func TestCallSitesAttributedToEnclosingFunction(t *testing.T) {
	src := "package main\n\nimport \"fmt\"\n\nfunc add(a, b int) int {\n\treturn a + b\n}\n\nfunc main() {\n\tfmt.Println(add(1, 2))\n}\n"
	ex := Extract(src, "go", 0)
	require.Equal(t, []string{"add", "main"}, names(ex.Functions))

	var callees []string
	for _, c := range ex.Calls {
		assert.Equal(t, 1, c.Caller)
		assert.Equal(t, 10, c.Line)
		callees = append(callees, c.Callee)
	}
	assert.ElementsMatch(t, []string{"Println", "add"}, callees)
}

func TestJavaScriptSnakeCaseCallEdge(t *testing.T) {
	src := "function load_user(user_id) {\n  return user_id;\n}\nfunction main() {\n  return load_user(1);\n}\n"
	ex := Extract(src, "javascript", 0)
	require.Equal(t, []string{"load_user", "main"}, names(ex.Functions))
	assert.Equal(t, 1, ex.Functions[0].ParameterCount)

	require.Len(t, ex.Calls, 1)
	assert.Equal(t, CallSite{Caller: 1, Callee: "load_user", Line: 5}, ex.Calls[0])
}

// ============================================================================
// Detection
// ============================================================================

func TestRenameKeepsIDAndSignatureChangeSpawnsNewOne(t *testing.T) {
	ctx := context.Background()
	reg := newMemRegistry()
	det := NewDetector(reg, 0, nil)

	first, err := det.Detect(ctx, DiffInput{Path: "/src/a.py", Before: "", After: "def foo(a, b): return a + b\n", Timestamp: 1})
	require.NoError(t, err)
	require.Len(t, first.Changes, 1)
	assert.Equal(t, FunctionAdd, first.Changes[0].Kind)
	assert.Equal(t, "FUNC_1", first.Changes[0].FunctionID)
	reg.apply(first)

	renamed, err := det.Detect(ctx, DiffInput{
		Path:      "/src/a.py",
		Before:    "def foo(a, b): return a + b\n",
		After:     "def bar(a, b): return a + b\n",
		Timestamp: 2,
	})
	require.NoError(t, err)
	require.Len(t, renamed.Changes, 1)
	c := renamed.Changes[0]
	assert.Equal(t, FunctionModify, c.Kind)
	assert.Equal(t, "FUNC_1", c.FunctionID)
	assert.Equal(t, "foo", c.NameBefore)
	assert.Equal(t, "bar", c.NameAfter)
	assert.Equal(t, c.SignatureBefore, c.SignatureAfter)
	reg.apply(renamed)
	require.Len(t, renamed.Upserts, 1)
	assert.Equal(t, "bar", renamed.Upserts[0].Name)
	assert.Equal(t, int64(1), renamed.Upserts[0].FirstSeen)
	assert.Equal(t, int64(2), renamed.Upserts[0].LastModified)

	widened, err := det.Detect(ctx, DiffInput{
		Path:      "/src/a.py",
		Before:    "def bar(a, b): return a + b\n",
		After:     "def bar(a, b, c): return a + b + c\n",
		Timestamp: 3,
	})
	require.NoError(t, err)
	require.Len(t, widened.Changes, 2)
	remove, add := widened.Changes[0], widened.Changes[1]
	assert.Equal(t, FunctionRemove, remove.Kind)
	assert.Equal(t, "FUNC_1", remove.FunctionID)
	assert.Equal(t, FunctionAdd, add.Kind)
	assert.Equal(t, "FUNC_2", add.FunctionID)
	require.NotNil(t, add.ParameterChanges)
	assert.Equal(t, ParameterChange{Before: 2, After: 3, Delta: 1}, *add.ParameterChanges)
	assert.Equal(t, add.ParameterChanges, remove.ParameterChanges)
	assert.False(t, add.ReturnTypeChanged)
}

func TestRenameWithoutRegistry(t *testing.T) {
	det := NewDetector(nil, 0, nil)
	diff, err := det.Detect(context.Background(), DiffInput{
		Path:   "/src/a.py",
		Before: "def foo(a, b): return a + b\n",
		After:  "def foo(a, b, c): return a + b + c\n",
	})
	require.NoError(t, err)
	require.Len(t, diff.Changes, 2)
	assert.Equal(t, "FUNC_1", diff.Changes[0].FunctionID)
	assert.Equal(t, "FUNC_2", diff.Changes[1].FunctionID)
	// Both versions get a record; the removed one was never stored before.
	assert.Len(t, diff.Upserts, 2)
}

func TestUnchangedFunctionsEmitNothing(t *testing.T) {
	src := "def f(a):\n    return a\n"
	diff, err := NewDetector(nil, 0, nil).Detect(context.Background(), DiffInput{Path: "/x.py", Before: src, After: src})
	require.NoError(t, err)
	assert.Empty(t, diff.Changes)
	assert.True(t, diff.Delta.Empty())
}

func TestUnknownLanguageEmitsNoChanges(t *testing.T) {
	diff, err := NewDetector(nil, 0, nil).Detect(context.Background(), DiffInput{
		Path:   "/notes.txt",
		Before: "def foo(a): return a\n",
		After:  "def bar(a, b): return b\n",
	})
	require.NoError(t, err)
	assert.Empty(t, diff.Changes)
	assert.Empty(t, diff.After)
}

func TestNearestLineTieBreak(t *testing.T) {
	before := "def a(x):\n    return x\n\ndef b(x):\n    return x\n"
	after := "def b(x):\n    return x\n\ndef a(x):\n    return x\n"
	diff, err := NewDetector(nil, 0, nil).Detect(context.Background(), DiffInput{Path: "/x.py", Before: before, After: after})
	require.NoError(t, err)

	// Same signature twice: lines pair up, so both are renames in place.
	require.Len(t, diff.Changes, 2)
	for _, c := range diff.Changes {
		assert.Equal(t, FunctionModify, c.Kind)
		assert.NotEmpty(t, c.NameBefore)
		assert.NotEqual(t, c.NameBefore, c.NameAfter)
	}
}

func TestRenamePreservesCallGraph(t *testing.T) {
	before := "package main\n\nimport \"fmt\"\n\nfunc add(a, b int) int {\n\treturn a + b\n}\n\nfunc main() {\n\tfmt.Println(add(1, 2))\n}\n"
	after := strings.ReplaceAll(before, "add", "sum")

	diff, err := NewDetector(nil, 0, nil).Detect(context.Background(), DiffInput{Path: "/m.go", Before: before, After: after})
	require.NoError(t, err)

	require.Len(t, diff.Changes, 1)
	assert.Equal(t, "FUNC_1", diff.Changes[0].FunctionID)
	assert.Equal(t, "sum", diff.Changes[0].NameAfter)
	assert.True(t, diff.Delta.Empty())
	assert.Equal(t, []Edge{
		{Caller: "FUNC_2", Callee: "EXTERNAL:Println", Line: 10},
		{Caller: "FUNC_2", Callee: "FUNC_1", Line: 10},
	}, diff.Graph.Edges)
	assert.Equal(t, []string{"FUNC_1", "FUNC_2"}, diff.Graph.Nodes)

	for _, r := range diff.Upserts {
		if r.ID == "FUNC_1" {
			assert.Equal(t, 1, r.CallCount)
		}
	}
}

func TestCallGraphDelta(t *testing.T) {
	before := "def helper(x):\n    return x\n\ndef run(v):\n    return helper(v)\n"
	after := "def helper(x):\n    return x\n\ndef run(v):\n    return helper(v) + len(v)\n"

	diff, err := NewDetector(nil, 3, nil).Detect(context.Background(), DiffInput{Path: "/r.py", Before: before, After: after})
	require.NoError(t, err)

	require.Len(t, diff.Changes, 1)
	c := diff.Changes[0]
	assert.Equal(t, FunctionModify, c.Kind)
	assert.Equal(t, "run", c.FunctionName)
	require.NotNil(t, c.CallGraph)
	assert.Equal(t, []Pair{{Caller: "FUNC_2", Callee: "EXTERNAL:len"}}, c.CallGraph.AddedEdges)
	assert.Empty(t, c.CallGraph.RemovedEdges)
}

func TestDeltaOnPairs(t *testing.T) {
	before := CallGraph{Edges: []Edge{{Caller: "A", Callee: "B", Line: 1}, {Caller: "A", Callee: "C", Line: 2}}}
	after := CallGraph{Edges: []Edge{{Caller: "A", Callee: "B", Line: 7}, {Caller: "A", Callee: "D", Line: 8}}}
	d := Delta(before, after)
	assert.Equal(t, []Pair{{Caller: "A", Callee: "D"}}, d.AddedEdges)
	assert.Equal(t, []Pair{{Caller: "A", Callee: "C"}}, d.RemovedEdges)
	assert.Equal(t, after.Edges, d.Edges)
}

func TestOrdinal(t *testing.T) {
	assert.Equal(t, 12, Ordinal("FUNC_12"))
	assert.Equal(t, 0, Ordinal("EXTERNAL:x"))
	assert.Equal(t, 0, Ordinal("FUNC_x"))
}

func TestIDPreservedForIdenticalSignatures(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	render := func(names []string) string {
		var b strings.Builder
		for i, name := range names {
			params := make([]string, i+1)
			for j := range params {
				params[j] = fmt.Sprintf("p%d", j)
			}
			fmt.Fprintf(&b, "def f_%s(%s):\n    return p0\n\n", name, strings.Join(params, ", "))
		}
		return b.String()
	}

	properties.Property("functions keep their id across renames", prop.ForAll(
		func(before, after []string) bool {
			n := len(before)
			if len(after) < n {
				n = len(after)
			}
			if n == 0 {
				return true
			}
			diff, err := NewDetector(nil, 0, nil).Detect(context.Background(), DiffInput{
				Path:   "/p.py",
				Before: render(before[:n]),
				After:  render(after[:n]),
			})
			if err != nil || len(diff.Before) != n || len(diff.After) != n {
				return false
			}
			for i := 0; i < n; i++ {
				if diff.Before[i].ID != diff.After[i].ID {
					return false
				}
			}
			for _, c := range diff.Changes {
				if c.Kind != FunctionModify {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(5, gen.Identifier()),
		gen.SliceOfN(5, gen.Identifier()),
	))

	properties.TestingRun(t)
}
