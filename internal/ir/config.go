package ir

// Config represents a deploy descriptor evaluated from PKL.
type Config struct {
	Declarations []*Declaration `pkl:"declarations"`
	Actions      []*ActionDecl  `pkl:"actions"`
	Environment  map[string]any `pkl:"environment"`
}

// Declaration is a single target declared by a descriptor.
type Declaration struct {
	Name      string         `pkl:"name"`
	Plugin    string         `pkl:"plugin"` // hook source, e.g. "builtin/null"
	DependsOn []string       `pkl:"dependsOn"`
	Count     int            `pkl:"count"`
	ForEach   map[string]any `pkl:"forEach"`
	Props     map[string]any `pkl:"props"`
}

// ActionDecl is a side effect run alongside reconciliation once the
// declarations it names in After are reconciled.
type ActionDecl struct {
	Name  string         `pkl:"name"`
	Kind  string         `pkl:"kind"` // registered action kind
	After []string       `pkl:"after"`
	Props map[string]any `pkl:"props"`
}
