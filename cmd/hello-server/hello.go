package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// HelloService is the demo service.
type HelloService struct{}

func (h *HelloService) Hello(name string) (string, error) {
	if name == "" {
		return "", errors.New("name is empty")
	}
	return "Hello, " + name, nil
}

// Whoami names the process that answered, to see load balancing at work.
func (h *HelloService) Whoami(ctx context.Context) (string, error) {
	host, err := os.Hostname()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%d", host, os.Getpid()), nil
}
