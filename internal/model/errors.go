package model

import "fmt"

func errKind(got, want string) error {
	return fmt.Errorf("model kind %q, want %q", got, want)
}

func errMissingAttribute(name string) error {
	return fmt.Errorf("attribute %q missing", name)
}

func errShape(inputDim int) error {
	return fmt.Errorf("first layer does not match binner input dimension %d", inputDim)
}
