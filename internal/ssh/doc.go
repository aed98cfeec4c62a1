// ssh implements a facade over the 'x/crypto/ssh' package, simplifying the
// following workflows:
//   - private key normalization, parsing and ED25519 key generation
//   - SSH client construction, retried until the target becomes reachable
//   - command sequencing within a single persistent remote shell
//   - file upload over the SFTP subsystem
//
// NOTE: ALL errors returned by this package will be wrapped with well-known (
// 'errors.Is(...') errors.
package ssh
