package network

// NetnsInterface is the part of netns.NetnsInterface the registry needs.
type NetnsInterface interface {
	NewNamed(name string) (err error)
	DeleteNamed(name string) (err error)
	Exists(name string) (exists bool, err error)
}
