package rpc

import "os"

func removeStaleSocket(path string) error {
	return os.Remove(path)
}

func chmodSocket(path string, mode uint32) error {
	return os.Chmod(path, os.FileMode(mode))
}
