package main

import "github.com/kamilpajak/billsync/cmd/billsync"

func main() {
	billsync.Execute()
}
