// Command coretiming runs and inspects virtual-time machines.
package main

func main() {
	Execute()
}
