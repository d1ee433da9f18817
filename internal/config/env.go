package config

import "github.com/joho/godotenv"

// godotenvLoad is a test hook.
var godotenvLoad = func(f string) error { return godotenv.Load(f) }
