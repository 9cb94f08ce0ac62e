package main

import (
	"fmt"
	"os"
	"time"

	"riderlink/internal/session"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Println("Usage: tokeninfo <token>")
		os.Exit(1)
	}

	s, err := session.Parse(os.Args[1])
	if err != nil {
		fmt.Printf("Error parsing token: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("User:    %s\n", s.UserID)
	fmt.Printf("Role:    %s\n", s.Role)
	if s.ExpiresAt.IsZero() {
		fmt.Println("Expires: never")
		return
	}
	fmt.Printf("Expires: %s\n", s.ExpiresAt.Local().Format(time.RFC1123))
	if !s.Authenticated(time.Now()) {
		fmt.Println("Status:  expired")
		os.Exit(2)
	}
	fmt.Println("Status:  valid")
}
