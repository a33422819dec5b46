// Command pagerisk scans web pages for phishing and malware indicators.
package main

import "github.com/JakeFAU/pagerisk/cmd"

func main() {
	cmd.Execute()
}
