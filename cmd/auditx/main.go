// Command auditx runs the compliance audit service.
package main

func main() {
	Execute()
}
