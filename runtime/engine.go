package runtime

// Engine executes compiled wasm function bodies. The core treats it as an
// opaque code generator: Compile lowers a function instance into whatever
// executable form the engine uses, and Call enters it.
//
// Call receives and returns values in their canonical uint64 bit patterns.
// Traps surface as *Exception errors.
type Engine interface {
	Compile(f *FunctionInstance) error
	Call(f *FunctionInstance, args ...uint64) (results []uint64, err error)
}
