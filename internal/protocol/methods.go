package protocol

// Method names.
const (
	MethodInitialize   = "initialize"
	MethodCapabilities = "capabilities"
	MethodFSRead       = "fs.read"
	MethodFSWrite      = "fs.write"
	MethodFSEdit       = "fs.edit"
	MethodFSDelete     = "fs.delete"
	MethodFSMove       = "fs.move"
	MethodFSList       = "fs.list"
	MethodSearchFind   = "search.find"
	MethodTaskRun      = "task.run"
	MethodTaskTest     = "task.test"
)

// Methods lists the full catalog in a stable order.
var Methods = []string{
	MethodInitialize,
	MethodCapabilities,
	MethodFSRead,
	MethodFSWrite,
	MethodFSEdit,
	MethodFSDelete,
	MethodFSMove,
	MethodFSList,
	MethodSearchFind,
	MethodTaskRun,
	MethodTaskTest,
}

// MutatingMethods lists the methods that change the workspace or run code.
var MutatingMethods = []string{
	MethodFSWrite,
	MethodFSEdit,
	MethodFSDelete,
	MethodFSMove,
	MethodTaskRun,
	MethodTaskTest,
}

// KnownMethod reports whether name is in the catalog.
func KnownMethod(name string) bool {
	for _, m := range Methods {
		if m == name {
			return true
		}
	}
	return false
}
