package tools

// Builtins returns the built-in tools bound to ws.
func Builtins(ws Workspace) []Tool {
	return []Tool{
		NewFSRead(ws),
		NewFSWrite(ws),
		NewExecuteBash(ws),
		NewUseAWS(),
	}
}

// NewBuiltinRegistry returns a registry holding the built-in tools plus extra.
func NewBuiltinRegistry(ws Workspace, extra ...Tool) (*Registry, error) {
	r := NewRegistry()
	for _, tool := range append(Builtins(ws), extra...) {
		if err := r.Register(tool); err != nil {
			return nil, err
		}
	}
	return r, nil
}
