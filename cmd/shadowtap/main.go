// Command shadowtap is a traffic-mirroring TCP relay: clients see only the
// primary upstream while every shadow upstream receives the same bytes.
package main

func main() {
	Execute()
}
