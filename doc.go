/*
Package sifcore is the authentication, session, and project-access core of a
multi-tenant research data portal.

sifcore brings together the following pluggable components:

	Credential Store	This answers the question "Is this username/password valid?",
				backed by a flat user DB file or by Postgres.
	Session Registry	In-memory per-protocol map of user to active project, plus
				OpenID approvals. In other words, this is where the cookies go.
	GDP Engine		The sensitive-data project state machine, persisted in a
				file-locked user/project database with scrambled action logs.
	Transfer Registry	Durable background data-transfer requests and their SSH keys.

Any of these components can be swapped out. A typical setup uses the flat-file
credential store refreshed from the signup pipeline, with the OpenID 2.0
frontend serving the file-transfer daemons (SFTP, FTPS, WebDAV) that consult
the GDP engine on session open.

Concepts

A client ID is the canonical user identifier, an X.509-style distinguished
name. A short ID is the user-facing login handle, typically an email address.
A project client ID is the synthetic identity a user assumes inside a
sensitive-data project; it gets its own shadow home directory and per-protocol
aliases.

The OpenID frontend never hands out the client ID directly. It authenticates a
short ID against the credential store, rate-limits failures per (protocol, IP,
user), and asserts identity URLs to relying parties with SReg attributes
assembled from the user record.
*/
package sifcore
