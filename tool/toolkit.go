package tool

// SimpleToolkit is a plain named bundle of tools, the easiest way to group
// related capabilities under one registration unit.
type SimpleToolkit struct {
	name  string
	tools []Tool
}

// NewToolkit constructs a toolkit from a name and its tools.
func NewToolkit(name string, tools ...Tool) *SimpleToolkit {
	return &SimpleToolkit{name: name, tools: tools}
}

// Name implements Toolkit.
func (t *SimpleToolkit) Name() string { return t.name }

// Tools implements Toolkit.
func (t *SimpleToolkit) Tools() []Tool { return t.tools }

// Add appends tools to the kit.
func (t *SimpleToolkit) Add(tools ...Tool) { t.tools = append(t.tools, tools...) }
