package build

// Release identifies which build is active: "standard", "dev", or
// "testing". DEBUG is derived from it and gates the panics in Critical
// and Severe plus any expensive consistency checks sprinkled through the
// transfer engine.
var (
	Release = "standard"
	DEBUG   = false
)

// Var represents a variable whose value depends on which Release is
// active. All three fields must be set and share an underlying type.
type Var struct {
	Standard interface{}
	Dev      interface{}
	Testing  interface{}
}

// Select returns the field of v that corresponds to the current Release.
func Select(v Var) interface{} {
	if v.Standard == nil || v.Dev == nil || v.Testing == nil {
		panic("nil value in build variable")
	}
	switch Release {
	case "standard":
		return v.Standard
	case "dev":
		return v.Dev
	case "testing":
		return v.Testing
	default:
		panic("unrecognized Release: " + Release)
	}
}

func init() {
	if Release == "testing" {
		DEBUG = true
	}
}
