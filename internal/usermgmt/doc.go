// Package usermgmt provides the user database behind proxy-ify's Basic proxy
// authentication.
//
// Features:
//   - Thread-safe user database with persistent storage (JSON file)
//   - Secure password hashing (bcrypt) and credential verification
//   - User account operations: add, remove, enable, disable, update password
//   - Hot reload when the database file changes on disk (Watch)
//   - Backup of the user database
//   - Command-line interface (CLI) for one-shot and interactive administration
//
// Usage:
//  1. Open a Store with Open
//  2. Use Add, Remove, UpdatePassword and SetEnabled for account management
//  3. Hand the Store to auth.Basic; it calls Authenticate for every proxy request
//  4. Run Watch in the background to pick up edits made by other processes
//  5. Wrap the Store in a Manager for the command-line tools
package usermgmt
