package netns

// NetnsInterface creates, removes and opens named network namespaces.
type NetnsInterface interface {
	GetFromName(name string) (fileDescriptor uintptr, err error)
	NewNamed(name string) (err error)
	DeleteNamed(name string) (err error)
	Exists(name string) (exists bool, err error)
	Close(fileDescriptor uintptr) (err error)
}
