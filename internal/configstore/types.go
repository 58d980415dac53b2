package configstore

// Type is a schema entry's declared JSON type.
type Type string

const (
	TypeString          Type = "string"
	TypeInteger         Type = "integer"
	TypeUnsignedInteger Type = "unsigned integer"
	TypeFloat           Type = "float"
	TypeBoolean         Type = "boolean"
)

// DefaultFunc is a nullary producer of a JSON-compatible value, computed
// fresh on every effective-value read. It never runs as a side effect of
// storing a user value.
type DefaultFunc func() any

// Static returns a DefaultFunc that always yields v, for schema entries
// whose default isn't dynamically computed.
func Static(v any) DefaultFunc {
	return func() any { return v }
}

type entry struct {
	typ       Type
	required  bool
	def       DefaultFunc
	userValue any
}

func effectiveValue(userValue any, def DefaultFunc) any {
	if userValue != nil {
		return userValue
	}
	if def != nil {
		return def()
	}
	return nil
}
