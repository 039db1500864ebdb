// Bucketwarden - S3 misconfiguration remediation engine
// Detect. Fix. Record.
package main

func main() {
	Execute()
}
