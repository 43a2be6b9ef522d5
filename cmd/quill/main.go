// Command quill is a conversational content-generation assistant.
package main

func main() {
	Execute()
}
