package main

// main is required for c-shared build mode but never runs when the library
// is loaded.
func main() {}
