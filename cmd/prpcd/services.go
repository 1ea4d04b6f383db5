package main

import (
	"context"
	"fmt"

	"prpc/server"
)

const (
	helloInterface = "HelloService"
	helloGroup     = "hello"
	hiGroup        = "hello1"
)

// HelloService greets in the "hello" group.
type HelloService struct{}

func (HelloService) Hello(value string) (string, error) {
	return "你好" + value, nil
}

// hiService greets in the "hello1" group and tells which provider answered.
func hiService(port int) server.Method {
	return server.Unary("hello", func(ctx context.Context, value string) (string, error) {
		return fmt.Sprintf("Hi:%s(来自%d)", value, port), nil
	})
}

func registerDemoServices(svr *server.Server, port int) error {
	if err := svr.Register(helloInterface, helloGroup, &HelloService{}); err != nil {
		return err
	}
	return svr.RegisterMethods(helloInterface, hiGroup, hiService(port))
}
