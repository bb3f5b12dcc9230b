// Package crawler holds the data model and collaborator interfaces shared by
// every subsystem of the crawl engine. It has no behavior of its own beyond
// small helpers on the types; concrete implementations live in sibling
// packages (politeness, ratelimit, breaker, retry, content, scheduler).
package crawler
